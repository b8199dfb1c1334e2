package metrics

import (
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sdio/core"
)

func TestObserver(t *testing.T) {
	g := NewWithT(t)
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	g.Expect(err).NotTo(HaveOccurred())

	o.CommandDone(17, nil, time.Millisecond)
	o.CommandDone(17, nil, time.Millisecond)
	o.CommandDone(17, fmt.Errorf("CMD17: %w", core.CmdRspTimeout), time.Millisecond)
	g.Expect(testutil.ToFloat64(o.commands.WithLabelValues("CMD17", "ok"))).To(Equal(2.0))
	g.Expect(testutil.ToFloat64(o.commands.WithLabelValues("CMD17", core.CmdRspTimeout.String()))).To(Equal(1.0))

	o.TransferDone(false, 8, nil, 2*time.Millisecond)
	o.TransferDone(true, 4, nil, 3*time.Millisecond)
	o.TransferDone(true, 4, core.DataCRCFail, 3*time.Millisecond)
	g.Expect(testutil.ToFloat64(o.transferBlocks.WithLabelValues("read"))).To(Equal(8.0))
	g.Expect(testutil.ToFloat64(o.transferBlocks.WithLabelValues("write"))).To(Equal(4.0))
	g.Expect(testutil.ToFloat64(o.transferErrors.WithLabelValues("write", "data CRC failure"))).To(Equal(1.0))
	g.Expect(testutil.CollectAndCount(o.transferTime)).To(Equal(2))

	o.CardChanged(true)
	g.Expect(testutil.ToFloat64(o.cardPresent)).To(Equal(1.0))
	o.CardChanged(false)
	g.Expect(testutil.ToFloat64(o.cardPresent)).To(Equal(0.0))

	// A second observer on the same registry collides
	_, err = New(reg)
	g.Expect(err).To(HaveOccurred())
}
