package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"

	"sdio/core"
	"sdio/protocol"
	"sdio/sim"
)

type fixture struct {
	client *Client
	ctrl   *sim.Controller
	mem    *sim.Memory
	cancel context.CancelFunc
	served chan error
}

func newFixture(t *testing.T, size uint64, opts ...ClientOption) *fixture {
	t.Helper()
	g := NewWithT(t)

	card, mem, err := sim.NewMemoryCard(size, sim.CardConfig{PowerUpPolls: 1})
	g.Expect(err).NotTo(HaveOccurred())
	ctrl := sim.NewController()
	ctrl.Insert(card)

	srv, err := NewServer(ctrl, ctrl.DMA(), "sim", logr.Discard())
	g.Expect(err).NotTo(HaveOccurred())

	hostSide, agentSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, agentSide)
	}()

	f := &fixture{
		client: NewClient(hostSide, opts...),
		ctrl:   ctrl,
		mem:    mem,
		cancel: cancel,
		served: served,
	}
	t.Cleanup(func() {
		cancel()
		_ = f.client.Close()
	})
	return f
}

func testCoreConfig() core.Config {
	cfg := core.DefaultConfig()
	budget := core.PollBudget{MaxIterations: 200, Timeout: 5 * time.Second}
	cfg.CommandPoll = budget
	cfg.DataPoll = budget
	cfg.BusyPoll = budget
	cfg.ClockPoll = budget
	cfg.ErasePoll = budget
	return cfg
}

func TestConnectDictionary(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20)

	dict, err := f.client.Connect(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dict.Version).To(Equal(protocol.Version))
	g.Expect(dict.Config).To(HaveKeyWithValue("CONTROLLER", "sim"))
	g.Expect(dict.Commands).To(HaveKeyWithValue("reg_write addr=%u value=%u", int(protocol.CmdRegWrite)))
	g.Expect(dict.Names()).To(HaveLen(9))
	g.Expect(dict.Names()[0]).To(HavePrefix("identify"))
}

func TestReconnectOnOpenLink(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20)
	ctx := context.Background()

	_, err := f.client.Connect(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	for i := uint32(0); i < 5; i++ {
		f.client.Write32(core.RegBLKSIZ, 512+i)
	}

	// A new session on the same link starts again at the base sequence
	_, err = f.client.Connect(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	f.client.Write32(core.RegBYTCNT, 1024)
	g.Expect(f.client.Read32(core.RegBYTCNT)).To(Equal(uint32(1024)))
	g.Expect(f.client.Read32(core.RegBLKSIZ)).To(Equal(uint32(516)))
	g.Expect(f.client.Err()).NotTo(HaveOccurred())
}

func TestRegisterAccess(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20)

	g.Expect(f.client.Read32(core.RegCDETECT) & core.CardDetectN).To(BeZero())
	f.client.Write32(core.RegBLKSIZ, 512)
	g.Expect(f.client.Read32(core.RegBLKSIZ)).To(Equal(uint32(512)))
	g.Expect(f.ctrl.Read32(core.RegBLKSIZ)).To(Equal(uint32(512)))
	g.Expect(f.client.Read32(core.RegTMOUT)).To(Equal(uint32(0xFFFFFF40)))
	g.Expect(f.client.Err()).NotTo(HaveOccurred())
}

func TestCardOverBridge(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20)
	ctx := context.Background()

	_, err := f.client.Connect(ctx)
	g.Expect(err).NotTo(HaveOccurred())

	card := core.NewCard(f.client, f.client, core.WithConfig(testCoreConfig()))
	g.Expect(card.Initialize(ctx)).To(Succeed())
	info := card.GetCardInfo()
	g.Expect(info.Valid).To(BeTrue())
	g.Expect(info.DeviceSize).To(Equal(uint64(64 << 20)))

	// Three blocks span several dma_load and dma_fetch chunks
	data := make([]byte, 3*core.BlockSize)
	for i := range data {
		data[i] = byte(i*13 + 1)
	}
	g.Expect(card.WriteBlocks(ctx, 10, 3, data)).To(Succeed())

	stored := make([]byte, len(data))
	_, err = f.mem.ReadAt(stored, 10*core.BlockSize)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stored).To(Equal(data))

	out := make([]byte, len(data))
	g.Expect(card.ReadBlocks(ctx, 10, 3, out)).To(Succeed())
	g.Expect(out).To(Equal(data))

	g.Expect(card.Erase(ctx, 10, 10)).To(Succeed())
	g.Expect(card.ReadBlocks(ctx, 10, 1, out[:core.BlockSize])).To(Succeed())
	g.Expect(out[:core.BlockSize]).To(Equal(make([]byte, core.BlockSize)))

	starts, _ := f.ctrl.DMA().Stats()
	g.Expect(starts).To(Equal(3))
	g.Expect(f.client.Err()).NotTo(HaveOccurred())
}

func TestDataFaultOverBridge(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20)
	ctx := context.Background()

	card := core.NewCard(f.client, f.client, core.WithConfig(testCoreConfig()))
	g.Expect(card.Initialize(ctx)).To(Succeed())

	f.ctrl.InjectFault(sim.Fault{Kind: sim.FaultDataCRC, Command: 17, Count: 1})
	buf := make([]byte, core.BlockSize)
	err := card.ReadBlocks(ctx, 0, 1, buf)
	g.Expect(core.Code(err)).To(Equal(core.DataCRCFail))

	// The remote channel was disarmed and is usable again
	g.Expect(card.ReadBlocks(ctx, 0, 1, buf)).To(Succeed())
	g.Expect(f.client.Err()).NotTo(HaveOccurred())
}

func TestConfigureRejectsLayout(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20)

	err := f.client.Configure(core.DMAConfig{
		Direction:   core.DMAPeriphToMem,
		PeriphAddr:  core.RegFIFO,
		PeriphMode:  core.DMAIncrement,
		MemMode:     core.DMAIncrement,
		Width:       core.DMAWidthWord,
		LengthBytes: core.BlockSize,
	})
	g.Expect(err).To(HaveOccurred())

	err = f.client.Configure(core.DMAConfig{
		Direction:   3,
		PeriphAddr:  core.RegFIFO,
		PeriphMode:  core.DMANoChange,
		MemMode:     core.DMAIncrement,
		Width:       core.DMAWidthWord,
		LengthBytes: core.BlockSize,
	})
	g.Expect(err).To(MatchError(ContainSubstring("bad direction")))
	g.Expect(f.client.Err()).NotTo(HaveOccurred())
}

func TestLinkFailure(t *testing.T) {
	g := NewWithT(t)
	f := newFixture(t, 64<<20, WithCallTimeout(100*time.Millisecond))

	f.cancel()
	g.Eventually(f.served).Should(Receive(BeNil()))

	g.Expect(f.client.Read32(core.RegCDETECT)).To(Equal(uint32(0xFFFFFFFF)))
	g.Expect(f.client.Err()).To(HaveOccurred())

	card := core.NewCard(f.client, f.client, core.WithConfig(testCoreConfig()))
	g.Expect(card.Initialize(context.Background())).NotTo(Succeed())
}

func TestRegistry(t *testing.T) {
	g := NewWithT(t)
	r := NewRegistry()
	var got []uint32
	g.Expect(r.Register(1, "reg_read", "addr=%u", func(data *[]byte) error {
		v, err := protocol.DecodeVLQUint(data)
		got = append(got, v)
		return err
	})).To(Succeed())
	g.Expect(r.Register(1, "other", "", nil)).To(MatchError(ContainSubstring("already used")))
	g.Expect(r.Count()).To(Equal(1))

	data := []byte{0x05}
	g.Expect(r.Dispatch(1, &data)).To(Succeed())
	g.Expect(got).To(Equal([]uint32{5}))
	g.Expect(r.Dispatch(9, &data)).To(MatchError(ContainSubstring("unknown command")))

	d := r.Dictionary("x")
	id, ok := d.CommandID("reg_read")
	g.Expect(ok).To(BeTrue())
	g.Expect(id).To(Equal(uint16(1)))
	_, ok = d.CommandID("reg")
	g.Expect(ok).To(BeFalse())
}
