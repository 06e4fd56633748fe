package partition_test

import (
	"os"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/partition"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Manager", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "whiplru-partition-")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(root)
	})

	Describe("Bootstrap", func() {
		It("creates a single active partition when root is empty", func() {
			m := partition.NewManager(root, time.Hour, 0)
			byID, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			Expect(byID).To(BeEmpty())
			Expect(m.Count()).To(Equal(1))
			Expect(m.Active()).NotTo(BeNil())
		})

		It("adopts an existing partition directory and its contents", func() {
			m1 := partition.NewManager(root, time.Hour, 0)
			_, err := m1.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			id := assetid.New()
			Expect(m1.Active().Env.Put(id[:], []byte("hello"))).To(Succeed())
			activePartitionID := m1.Active().ID
			// Release the first manager's file, as a process restart would,
			// so the second manager can open it.
			Expect(m1.Active().Env.Close()).To(Succeed())

			m2 := partition.NewManager(root, time.Hour, 0)
			byID, err := m2.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			Expect(byID[activePartitionID]).To(ContainElement(id))
			Expect(m2.Count()).To(Equal(1))
		})
	})

	Describe("ActiveID and rotation", func() {
		It("keeps the same active partition within the configured interval", func() {
			m := partition.NewManager(root, time.Hour, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			first := m.ActiveID()
			second := m.ActiveID()
			Expect(second).To(Equal(first))
			Expect(m.Count()).To(Equal(1))
		})

		It("rotates to a new partition once the interval has elapsed", func() {
			m := partition.NewManager(root, 10*time.Millisecond, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			first := m.ActiveID()

			time.Sleep(30 * time.Millisecond)
			second := m.ActiveID()
			Expect(second).NotTo(Equal(first))
			Expect(m.Count()).To(Equal(2))
		})
	})

	Describe("MigrateToActive", func() {
		It("is a no-op when the asset is already in the active partition", func() {
			m := partition.NewManager(root, time.Hour, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			active := m.Active()

			dest, err := m.MigrateToActive(assetid.New(), active)
			Expect(err).NotTo(HaveOccurred())
			Expect(dest.ID).To(Equal(active.ID))
		})

		It("copies bytes from an older partition into the active one", func() {
			m := partition.NewManager(root, 10*time.Millisecond, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			old := m.Active()
			id := assetid.New()
			Expect(old.Env.Put(id[:], []byte("payload"))).To(Succeed())

			time.Sleep(30 * time.Millisecond)
			m.ActiveID() // triggers rotation
			active := m.Active()
			Expect(active.ID).NotTo(Equal(old.ID))

			dest, err := m.MigrateToActive(id, old)
			Expect(err).NotTo(HaveOccurred())
			Expect(dest.ID).To(Equal(active.ID))

			value, ok, err := active.Env.Get(id[:])
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal([]byte("payload")))
		})

		It("tolerates a racing duplicate migration", func() {
			m := partition.NewManager(root, 10*time.Millisecond, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			old := m.Active()
			id := assetid.New()
			Expect(old.Env.Put(id[:], []byte("payload"))).To(Succeed())

			time.Sleep(30 * time.Millisecond)
			m.ActiveID()
			active := m.Active()

			_, err = m.MigrateToActive(id, old)
			Expect(err).NotTo(HaveOccurred())
			_, err = m.MigrateToActive(id, old)
			Expect(err).NotTo(HaveOccurred())

			value, ok, err := active.Env.Get(id[:])
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal([]byte("payload")))
		})
	})

	Describe("EvictOldest", func() {
		It("refuses to evict the sole active partition", func() {
			m := partition.NewManager(root, time.Hour, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			_, _, err = m.EvictOldest()
			Expect(err).To(HaveOccurred())
			Expect(m.Count()).To(Equal(1))
		})

		It("evicts the oldest partition and reports its contained ids", func() {
			m := partition.NewManager(root, 10*time.Millisecond, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			old := m.Active()
			id := assetid.New()
			Expect(old.Env.Put(id[:], []byte("payload"))).To(Succeed())

			time.Sleep(30 * time.Millisecond)
			m.ActiveID()
			Expect(m.Count()).To(Equal(2))

			victim, ids, err := m.EvictOldest()
			Expect(err).NotTo(HaveOccurred())
			Expect(victim).To(Equal(old.ID))
			Expect(ids).To(ContainElement(id))
			Expect(m.Count()).To(Equal(1))

			_, found := m.Get(old.ID)
			Expect(found).To(BeFalse())
		})
	})

	Describe("Clear", func() {
		It("removes every partition and leaves a single fresh active one", func() {
			m := partition.NewManager(root, 10*time.Millisecond, 0)
			_, err := m.Bootstrap()
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(30 * time.Millisecond)
			m.ActiveID()
			Expect(m.Count()).To(Equal(2))

			victims, err := m.Clear()
			Expect(err).NotTo(HaveOccurred())
			Expect(victims).To(HaveLen(2))
			Expect(m.Count()).To(Equal(1))

			entries, err := os.ReadDir(root)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})
	})

	Describe("Oldest", func() {
		It("returns nil when no partitions exist", func() {
			m := partition.NewManager(root, time.Hour, 0)
			Expect(m.Oldest()).To(BeNil())
		})
	})
})
