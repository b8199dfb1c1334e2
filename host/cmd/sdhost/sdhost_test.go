package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"sdio/core"
	"sdio/host/config"
	"sdio/host/metrics"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInfoOnSimulatedCard(t *testing.T) {
	g := NewWithT(t)
	image := filepath.Join(t.TempDir(), "card.img")

	out, err := run(t, "info", "--sim", image, "--sim-size", "64")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("Capacity"))
	g.Expect(out).To(ContainSubstring("67108864 bytes (131072 blocks)"))
	g.Expect(out).To(ContainSubstring("State"))

	out, err = run(t, "info", "--json", "--sim", image)
	g.Expect(err).NotTo(HaveOccurred())
	var view cardView
	g.Expect(json.Unmarshal([]byte(out), &view)).To(Succeed())
	g.Expect(view.Present).To(BeTrue())
	g.Expect(view.Blocks).To(Equal(uint64(131072)))
	g.Expect(view.VolumeID).NotTo(BeEmpty())
}

func TestWriteReadErase(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	image := filepath.Join(dir, "card.img")
	in := filepath.Join(dir, "in.bin")
	out := filepath.Join(dir, "out.bin")

	// 700 bytes are padded to two blocks
	data := make([]byte, 700)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	g.Expect(os.WriteFile(in, data, 0o644)).To(Succeed())

	_, err := run(t, "write", "--sim", image, "--sim-size", "16", "--lba", "5", "--in", in)
	g.Expect(err).NotTo(HaveOccurred())

	_, err = run(t, "read", "--sim", image, "--lba", "5", "--count", "2", "--out", out)
	g.Expect(err).NotTo(HaveOccurred())
	got, err := os.ReadFile(out)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(HaveLen(2 * core.BlockSize))
	g.Expect(got[:700]).To(Equal(data))
	g.Expect(got[700:]).To(Equal(make([]byte, 2*core.BlockSize-700)))

	_, err = run(t, "erase", "--sim", image, "--first", "5", "--last", "6")
	g.Expect(err).NotTo(HaveOccurred())
	_, err = run(t, "read", "--sim", image, "--lba", "5", "--count", "2", "--out", out)
	g.Expect(err).NotTo(HaveOccurred())
	got, err = os.ReadFile(out)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got).To(Equal(make([]byte, 2*core.BlockSize)))
}

func TestCommandErrors(t *testing.T) {
	g := NewWithT(t)
	image := filepath.Join(t.TempDir(), "card.img")

	_, err := run(t, "info")
	g.Expect(err).To(MatchError(ContainSubstring("sim.image")))

	_, err = run(t, "read", "--sim", image, "--sim-size", "16", "--count", "0", "--out", "-")
	g.Expect(err).To(MatchError(ContainSubstring("--count")))

	_, err = run(t, "read", "--sim", image, "--sim-size", "16", "--lba", "40000", "--out", "-")
	g.Expect(core.Code(err)).To(Equal(core.AddrOutOfRange))
}

func newTestSession(t *testing.T, obs core.Observer) *session {
	t.Helper()
	g := NewWithT(t)
	cfg, err := config.Load("")
	g.Expect(err).NotTo(HaveOccurred())
	cfg.Sim.Image = filepath.Join(t.TempDir(), "card.img")
	cfg.Sim.SizeMB = 16
	g.Expect(cfg.Validate()).To(Succeed())

	s, err := openSession(context.Background(), cfg, logr.Discard(), obs)
	g.Expect(err).NotTo(HaveOccurred())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoutes(t *testing.T) {
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	obs, err := metrics.New(reg)
	g.Expect(err).NotTo(HaveOccurred())
	s := newTestSession(t, obs)

	ts := httptest.NewServer(newRouter(s, reg, logr.Discard()))
	defer ts.Close()

	get := func(path string) (int, []byte) {
		resp, err := http.Get(ts.URL + path)
		g.Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		g.Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, body
	}

	code, _ := get("/card")
	g.Expect(code).To(Equal(http.StatusNotFound))
	code, _ = get("/blocks/0")
	g.Expect(code).To(Equal(http.StatusServiceUnavailable))

	ctx := context.Background()
	g.Expect(s.card.Initialize(ctx)).To(Succeed())
	block := bytes.Repeat([]byte{0xA5}, core.BlockSize)
	g.Expect(s.card.WriteBlocks(ctx, 9, 1, block)).To(Succeed())

	code, body := get("/card")
	g.Expect(code).To(Equal(http.StatusOK))
	var view cardView
	g.Expect(json.Unmarshal(body, &view)).To(Succeed())
	g.Expect(view.Capacity).To(Equal(uint64(16 << 20)))

	code, body = get("/blocks/9")
	g.Expect(code).To(Equal(http.StatusOK))
	g.Expect(body).To(Equal(block))

	code, _ = get("/blocks/99999999")
	g.Expect(code).To(Equal(http.StatusRequestedRangeNotSatisfiable))
	code, _ = get("/blocks/x")
	g.Expect(code).To(Equal(http.StatusNotFound))

	code, body = get("/metrics")
	g.Expect(code).To(Equal(http.StatusOK))
	g.Expect(string(body)).To(ContainSubstring("sdio_card_present 1"))
	g.Expect(string(body)).To(ContainSubstring(`sdio_transfer_blocks_total{dir="write"} 1`))
}

func TestWatchSlot(t *testing.T) {
	g := NewWithT(t)
	s := newTestSession(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchSlot(ctx, s.card, 10*time.Millisecond, logr.Discard())
		close(done)
	}()

	g.Eventually(func() bool { return s.card.GetCardInfo().Valid }, 5*time.Second).Should(BeTrue())
	s.ctrl.Remove()
	g.Eventually(func() bool { return s.card.GetCardInfo().Valid }, 5*time.Second).Should(BeFalse())

	cancel()
	g.Eventually(done).Should(BeClosed())
}
