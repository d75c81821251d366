package sink

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dmotif/pkg/join"
)

func TestSink(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sink Suite")
}

type failing struct{ Discard }

func (failing) Emit(Record) error { return errors.New("emit failed") }

var _ = Describe("Counter", func() {
	It("should sum weights per batch", func() {
		c := NewCounter()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < 100; i++ {
					Expect(c.Emit(Record{Batch: 1, Occurrence: join.Occurrence{1, 2}, Weight: 1})).To(Succeed())
				}
			}()
		}
		wg.Wait()
		Expect(c.Pending()).To(Equal(int64(400)))
		Expect(c.Flush(BatchSummary{Batch: 1, Delta: 400})).To(Succeed())
		Expect(c.Total()).To(Equal(int64(400)))
		Expect(c.Pending()).To(BeZero())

		Expect(c.Emit(Record{Batch: 2, Weight: -10})).To(Succeed())
		Expect(c.Flush(BatchSummary{Batch: 2})).To(Succeed())
		Expect(c.Total()).To(Equal(int64(390)))
		Expect(c.Summaries()).To(HaveLen(2))
	})
})

var _ = Describe("ZSet", func() {
	It("should integrate deltas", func() {
		z := NewZSet(true)
		Expect(z.Emit(Record{Batch: 1, Occurrence: join.Occurrence{1, 2, 3}, Weight: 1})).To(Succeed())
		Expect(z.Emit(Record{Batch: 1, Occurrence: join.Occurrence{2, 3, 1}, Weight: 1})).To(Succeed())
		Expect(z.Flush(BatchSummary{Batch: 1})).To(Succeed())
		Expect(z.Emit(Record{Batch: 2, Occurrence: join.Occurrence{1, 2, 3}, Weight: -1})).To(Succeed())
		Expect(z.Flush(BatchSummary{Batch: 2})).To(Succeed())

		Expect(z.State().Map()).To(Equal(map[string]int64{"[2,3,1]": 1}))
		Expect(z.Deltas()).To(HaveLen(2))
		Expect(z.Deltas()[1].Sum()).To(Equal(int64(-1)))
	})
})

var _ = Describe("Tee", func() {
	It("should fan out to every sink", func() {
		c1, c2 := NewCounter(), NewCounter()
		t := Tee{c1, NewLogger(logr.Discard()), c2}
		Expect(t.Emit(Record{Weight: 3, Occurrence: join.Occurrence{1}})).To(Succeed())
		Expect(t.Flush(BatchSummary{})).To(Succeed())
		Expect(t.Close()).To(Succeed())
		Expect(c1.Total()).To(Equal(int64(3)))
		Expect(c2.Total()).To(Equal(int64(3)))
	})

	It("should stop at the first failing sink", func() {
		c := NewCounter()
		t := Tee{failing{}, c}
		Expect(t.Emit(Record{Weight: 1})).NotTo(Succeed())
		Expect(c.Pending()).To(BeZero())
	})
})

var _ = Describe("Recorder", func() {
	It("should persist batch summaries", func() {
		path := filepath.Join(GinkgoT().TempDir(), "run.db")
		r, err := NewRecorder(path, map[string]string{"motif": "triangle", "workers": "4"})
		Expect(err).NotTo(HaveOccurred())
		for b := uint64(1); b <= 3; b++ {
			Expect(r.Emit(Record{Batch: b})).To(Succeed())
			Expect(r.Flush(BatchSummary{Batch: b, Delta: int64(b), Total: int64(b * 10),
				Elapsed: time.Duration(b) * time.Millisecond})).To(Succeed())
		}
		Expect(r.Close()).To(Succeed())

		run, err := ReadRecord(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Meta).To(HaveKeyWithValue("motif", "triangle"))
		Expect(run.Batches).To(HaveLen(3))
		Expect(run.Batches[2].Total).To(Equal(int64(30)))
		Expect(run.Batches[0].Elapsed).To(Equal(time.Millisecond))
	})

	It("should overwrite a previous run", func() {
		path := filepath.Join(GinkgoT().TempDir(), "run.db")
		r, err := NewRecorder(path, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Flush(BatchSummary{Batch: 1})).To(Succeed())
		Expect(r.Close()).To(Succeed())

		r, err = NewRecorder(path, map[string]string{"run": "2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Close()).To(Succeed())

		run, err := ReadRecord(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(run.Batches).To(BeEmpty())
		Expect(run.Meta).To(Equal(map[string]string{"run": "2"}))
	})
})
