package index_test

import (
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/index"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Index", func() {
	var (
		idx    *index.Index
		active index.PartitionID
	)

	BeforeEach(func() {
		active = index.PartitionID("p0")
		idx = index.New(func() index.PartitionID { return active })
	})

	Describe("TryAdd", func() {
		It("adds a new entry stamped with the active partition", func() {
			id := assetid.New()
			added, partition := idx.TryAdd(id, 0)
			Expect(added).To(BeTrue())
			Expect(partition).To(Equal(active))
			Expect(idx.Contains(id)).To(BeTrue())
		})

		It("refuses to add the same id twice", func() {
			id := assetid.New()
			idx.TryAdd(id, 0)
			added, _ := idx.TryAdd(id, 123)
			Expect(added).To(BeFalse())
		})
	})

	Describe("SetSize and SizeOf", func() {
		It("reports the reserved size of zero until flushed", func() {
			id := assetid.New()
			idx.TryAdd(id, 0)
			size, ok := idx.SizeOf(id)
			Expect(ok).To(BeTrue())
			Expect(size).To(BeZero())

			idx.SetSize(id, 42)
			size, ok = idx.SizeOf(id)
			Expect(ok).To(BeTrue())
			Expect(size).To(Equal(uint64(42)))
		})
	})

	Describe("Rehome", func() {
		It("moves an entry to a new partition", func() {
			id := assetid.New()
			idx.TryAdd(id, 10)
			Expect(idx.Rehome(id, index.PartitionID("p1"))).To(BeTrue())
			e, ok := idx.Get(id)
			Expect(ok).To(BeTrue())
			Expect(e.Partition).To(Equal(index.PartitionID("p1")))
		})
	})

	Describe("TryRemove", func() {
		It("removes and returns an existing entry", func() {
			id := assetid.New()
			idx.TryAdd(id, 10)
			e, ok := idx.TryRemove(id)
			Expect(ok).To(BeTrue())
			Expect(e.ID).To(Equal(id))
			Expect(idx.Contains(id)).To(BeFalse())
		})

		It("reports false for an unknown id", func() {
			_, ok := idx.TryRemove(assetid.New())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("RemoveAll", func() {
		It("drops only entries belonging to the named partitions", func() {
			a, b, c := assetid.New(), assetid.New(), assetid.New()
			idx.TryAdd(a, 1)
			active = "p1"
			idx.TryAdd(b, 1)
			active = "p2"
			idx.TryAdd(c, 1)

			removed := idx.RemoveAll(map[index.PartitionID]struct{}{"p0": {}, "p1": {}})
			Expect(removed).To(HaveLen(2))
			Expect(idx.Contains(a)).To(BeFalse())
			Expect(idx.Contains(b)).To(BeFalse())
			Expect(idx.Contains(c)).To(BeTrue())
		})
	})

	Describe("ItemsWithPrefix", func() {
		It("matches the lowercase compact hex prefix", func() {
			id := assetid.New()
			idx.TryAdd(id, 1)
			prefix := id.Compact()[:4]
			found := idx.ItemsWithPrefix(prefix)
			Expect(found).To(ContainElement(id))
		})

		It("returns nothing for a non-matching prefix", func() {
			idx.TryAdd(assetid.New(), 1)
			Expect(idx.ItemsWithPrefix("ffffffff")).To(BeEmpty())
		})
	})

	Describe("EvictUntilFreed", func() {
		It("evicts oldest-first and skips in-flight (size==0) entries", func() {
			inFlight := assetid.New()
			idx.TryAdd(inFlight, 0)

			oldest := assetid.New()
			idx.TryAdd(oldest, 100)
			time.Sleep(2 * time.Millisecond)
			newest := assetid.New()
			idx.TryAdd(newest, 100)

			removed, freed := idx.EvictUntilFreed(100)
			Expect(removed).To(HaveLen(1))
			Expect(removed[0].ID).To(Equal(oldest))
			Expect(freed).To(Equal(uint64(100)))
			Expect(idx.Contains(inFlight)).To(BeTrue())
			Expect(idx.Contains(newest)).To(BeTrue())
		})
	})

	Describe("TotalBytes and Len", func() {
		It("sums flushed sizes and counts all entries", func() {
			idx.TryAdd(assetid.New(), 10)
			idx.TryAdd(assetid.New(), 20)
			inFlight := assetid.New()
			idx.TryAdd(inFlight, 0)

			Expect(idx.Len()).To(Equal(3))
			Expect(idx.TotalBytes()).To(Equal(uint64(30)))
		})
	})
})
