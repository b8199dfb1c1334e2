package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sdio/core"
)

// batchBlocks bounds the buffer of one read or write call
const batchBlocks = 128

// cardView is the printable form of the card descriptor
type cardView struct {
	Present      bool   `json:"present"`
	VolumeID     string `json:"volume_id,omitempty"`
	Tier         string `json:"tier,omitempty"`
	SpecVersion  uint8  `json:"spec_version,omitempty"`
	HighCapacity bool   `json:"high_capacity"`
	Capacity     uint64 `json:"capacity_bytes,omitempty"`
	Blocks       uint64 `json:"blocks,omitempty"`
	RateKHz      uint32 `json:"rate_khz,omitempty"`
	DeviceClass  uint8  `json:"device_class,omitempty"`
	RCA          uint16 `json:"rca,omitempty"`
	Manufacturer uint8  `json:"manufacturer_id,omitempty"`
	OEM          string `json:"oem,omitempty"`
	Product      string `json:"product,omitempty"`
	Revision     string `json:"revision,omitempty"`
	Serial       uint32 `json:"serial,omitempty"`
	Manufactured string `json:"manufactured,omitempty"`
}

func newCardView(info core.CardInfo) cardView {
	if !info.Valid {
		return cardView{}
	}
	year, month := info.CID.ManufactureDate()
	return cardView{
		Present:      true,
		VolumeID:     info.VolumeID().String(),
		Tier:         info.Tier.String(),
		SpecVersion:  info.SpecVersion,
		HighCapacity: info.HighCapacity,
		Capacity:     info.DeviceSize,
		Blocks:       info.DeviceSize / core.BlockSize,
		RateKHz:      info.TransferRateKHz,
		DeviceClass:  info.DeviceClass,
		RCA:          info.RCA,
		Manufacturer: info.CID.Manufacturer,
		OEM:          info.CID.OEMID(),
		Product:      info.CID.ProductName(),
		Revision:     info.CID.Revision(),
		Serial:       info.CID.Serial,
		Manufactured: fmt.Sprintf("%04d-%02d", year, month),
	}
}

func (v cardView) print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Volume\t%s\n", v.VolumeID)
	fmt.Fprintf(tw, "Product\t%s (OEM %s, rev %s, mfr 0x%02x)\n", v.Product, v.OEM, v.Revision, v.Manufacturer)
	fmt.Fprintf(tw, "Serial\t0x%08x\n", v.Serial)
	fmt.Fprintf(tw, "Manufactured\t%s\n", v.Manufactured)
	fmt.Fprintf(tw, "Tier\t%s\n", v.Tier)
	fmt.Fprintf(tw, "Capacity\t%d bytes (%d blocks)\n", v.Capacity, v.Blocks)
	fmt.Fprintf(tw, "Addressing\t%s\n", map[bool]string{true: "block", false: "byte"}[v.HighCapacity])
	fmt.Fprintf(tw, "Spec version\t%d\n", v.SpecVersion)
	fmt.Fprintf(tw, "Device class\t%d\n", v.DeviceClass)
	fmt.Fprintf(tw, "Transfer rate\t%d kHz\n", v.RateKHz)
	fmt.Fprintf(tw, "RCA\t0x%04x\n", v.RCA)
	return tw.Flush()
}

// withCard opens a session, initializes the card and runs fn
func (a *app) withCard(ctx context.Context, fn func(s *session) error) error {
	s, err := openSession(ctx, a.cfg, a.log, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.card.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return fn(s)
}

func (a *app) infoCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Initialize the card and print its descriptor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withCard(cmd.Context(), func(s *session) error {
				view := newCardView(s.card.GetCardInfo())
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(view)
				}
				if err := view.print(cmd.OutOrStdout()); err != nil {
					return err
				}
				status, err := s.card.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "State         %s\n", status.State())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) readCmd() *cobra.Command {
	var (
		lba   uint32
		count int
		out   string
	)
	cmd := &cobra.Command{
		Use:   "read --lba N --count N --out FILE",
		Short: "Read blocks to a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be positive")
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			return a.withCard(cmd.Context(), func(s *session) error {
				info := s.card.GetCardInfo()
				if uint64(lba)+uint64(count) > info.Blocks() {
					return fmt.Errorf("blocks %d+%d beyond %d: %w", lba, count, info.Blocks(), core.AddrOutOfRange)
				}

				var w io.Writer = cmd.OutOrStdout()
				if out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}

				src := io.NewSectionReader(s.dev, int64(lba)*core.BlockSize, int64(count)*core.BlockSize)
				buf := make([]byte, batchBlocks*core.BlockSize)
				if _, err := io.CopyBuffer(w, src, buf); err != nil {
					return fmt.Errorf("read at block %d: %w", lba, err)
				}
				a.log.Info("read complete", "lba", lba, "blocks", count)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&lba, "lba", 0, "first block")
	cmd.Flags().IntVar(&count, "count", 1, "number of blocks")
	cmd.Flags().StringVar(&out, "out", "", "output file, - for stdout")
	return cmd
}

func (a *app) writeCmd() *cobra.Command {
	var (
		lba uint32
		in  string
	)
	cmd := &cobra.Command{
		Use:   "write --lba N --in FILE",
		Short: "Write a file to consecutive blocks, zero padding the last one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return fmt.Errorf("%s is empty", in)
			}
			if rem := len(data) % core.BlockSize; rem != 0 {
				data = append(data, make([]byte, core.BlockSize-rem)...)
			}
			blocks := len(data) / core.BlockSize

			return a.withCard(cmd.Context(), func(s *session) error {
				for done := 0; done < blocks; {
					n := blocks - done
					if n > batchBlocks {
						n = batchBlocks
					}
					chunk := data[done*core.BlockSize : (done+n)*core.BlockSize]
					if err := s.card.WriteBlocks(cmd.Context(), lba+uint32(done), n, chunk); err != nil {
						return fmt.Errorf("write at block %d: %w", lba+uint32(done), err)
					}
					done += n
				}
				a.log.Info("write complete", "lba", lba, "blocks", blocks)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&lba, "lba", 0, "first block")
	cmd.Flags().StringVar(&in, "in", "", "input file")
	return cmd
}

func (a *app) eraseCmd() *cobra.Command {
	var first, last uint32
	cmd := &cobra.Command{
		Use:   "erase --first N --last N",
		Short: "Erase an inclusive block range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("last") {
				last = first
			}
			return a.withCard(cmd.Context(), func(s *session) error {
				if err := s.card.Erase(cmd.Context(), first, last); err != nil {
					return err
				}
				a.log.Info("erase complete", "first", first, "last", last)
				return nil
			})
		},
	}
	cmd.Flags().Uint32Var(&first, "first", 0, "first block")
	cmd.Flags().Uint32Var(&last, "last", 0, "last block, defaults to --first")
	return cmd
}
