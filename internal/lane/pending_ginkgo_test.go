package lane

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/salusml/salus/internal/resources"
)

func TestLaneAdmission(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lane Admission Suite")
}

var _ = Describe("Lane Manager pending-request retry", func() {
	var m *Manager

	BeforeEach(func() {
		m = NewManager([]GPUDescriptor{gpu(0, 4 << 30)})
	})

	It("queues a request that cannot be satisfied immediately", func() {
		var firstHolds, secondHolds []*Hold
		Expect(m.RequestLanes(&Request{
			Entries:  []LayoutEntry{{MemoryLimit: 3 << 30, Persistent: 3 << 30, Peak: 0}},
			Ticket:   resources.Ticket(1),
			Callback: func(h []*Hold) { firstHolds = h },
		})).To(Succeed())
		Expect(firstHolds).To(HaveLen(1))

		Expect(m.RequestLanes(&Request{
			Entries:  []LayoutEntry{{MemoryLimit: 2 << 30, Persistent: 2 << 30, Peak: 0}},
			Ticket:   resources.Ticket(2),
			Callback: func(h []*Hold) { secondHolds = h },
		})).To(Succeed())

		Expect(secondHolds).To(BeNil(), "second request should not be satisfiable against 1GiB of remaining capacity")
		Expect(m.PendingCount()).To(Equal(1))
	})

	It("satisfies a queued request once a release frees enough capacity", func() {
		var firstHolds, secondHolds []*Hold
		Expect(m.RequestLanes(&Request{
			Entries:  []LayoutEntry{{MemoryLimit: 3 << 30, Persistent: 3 << 30, Peak: 0}},
			Ticket:   resources.Ticket(1),
			Callback: func(h []*Hold) { firstHolds = h },
		})).To(Succeed())
		Expect(firstHolds).To(HaveLen(1))

		Expect(m.RequestLanes(&Request{
			Entries:  []LayoutEntry{{MemoryLimit: 2 << 30, Persistent: 2 << 30, Peak: 0}},
			Ticket:   resources.Ticket(2),
			Callback: func(h []*Hold) { secondHolds = h },
		})).To(Succeed())
		Expect(m.PendingCount()).To(Equal(1))

		m.ReleaseHold(firstHolds[0])

		Expect(secondHolds).To(HaveLen(1), "releasing the first hold should free enough room to retry the pending request")
		Expect(m.PendingCount()).To(Equal(0))
	})

	It("rejects a request naming more layout entries than there are GPUs", func() {
		err := m.RequestLanes(&Request{
			Entries: []LayoutEntry{
				{MemoryLimit: 1 << 20},
				{MemoryLimit: 1 << 20},
			},
			Ticket: resources.Ticket(1),
		})
		Expect(err).To(MatchError(ErrTooManyEntries))
	})

	It("garbage collects a lane once its only hold is released and no reference remains", func() {
		var holds []*Hold
		Expect(m.RequestLanes(&Request{
			Entries:  []LayoutEntry{{MemoryLimit: 1 << 30, Persistent: 1 << 30, Peak: 0}},
			Ticket:   resources.Ticket(1),
			Callback: func(h []*Hold) { holds = h },
		})).To(Succeed())
		Expect(holds).To(HaveLen(1))

		m.ReleaseHold(holds[0])

		Expect(m.GC()).To(Equal(1))
		Expect(m.AvailableMemory(0)).To(Equal(int64(4 << 30)))
	})
})
