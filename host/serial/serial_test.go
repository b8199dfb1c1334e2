package serial

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestDefaultConfig(t *testing.T) {
	g := NewWithT(t)
	cfg := DefaultConfig("/dev/ttyACM0")
	g.Expect(cfg.Baud).To(Equal(DefaultBaud))
	g.Expect(cfg.ReadTimeout).To(Equal(DefaultReadTimeout))
	g.Expect(cfg.Validate()).To(Succeed())
}

func TestValidate(t *testing.T) {
	g := NewWithT(t)
	var nilCfg *Config
	g.Expect(nilCfg.Validate()).To(MatchError(ContainSubstring("nil config")))
	g.Expect((&Config{Baud: 9600}).Validate()).To(MatchError(ContainSubstring("device not set")))
	g.Expect((&Config{Device: "x"}).Validate()).To(MatchError(ContainSubstring("baud")))
}
