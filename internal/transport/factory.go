package transport

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/iqstream/internal/core"
)

// Transport types accepted by New.
const (
	TypeUDP      = "udp"
	TypePcap     = "pcap"
	TypeLoopback = "loopback"
)

// Config selects a transport and carries its type-specific options.
type Config struct {
	Type    string         `mapstructure:"type"`
	Options map[string]any `mapstructure:"options"`
}

// New builds a transport from cfg.
func New(cfg Config) (ZeroCopy, error) {
	switch cfg.Type {
	case TypeUDP:
		var opts UDPOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return NewUDP(opts)
	case TypePcap:
		var opts PcapOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return NewPcapReplay(opts)
	case TypeLoopback:
		var opts LoopbackOptions
		if err := decodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return NewLoopback(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownTransport, cfg.Type)
	}
}

func decodeOptions(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("%w: transport options: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
