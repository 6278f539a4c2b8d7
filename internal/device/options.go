package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blockif-go/blockif/internal/constants"
)

// Options captures the option-string grammar a backing-device path may be
// suffixed with: "<path>[,opt[,opt...]]". Unset numeric fields are left at
// their zero value; Open fills in backend-probed defaults for anything the
// caller didn't pin down explicitly.
type Options struct {
	Path string

	Writeback       bool
	ReadOnly        bool
	BypassHostCache bool
	// BstBlockDisabled corresponds to the "no_bst_block" option: it turns
	// off the overlap interlock even on the thread-pool backend.
	BstBlockDisabled bool

	HasDiscard              bool
	MaxDiscardSectors       int64
	MaxDiscardSeg           int64
	DiscardSectorAlignment int64

	HasSectorSize bool
	LogicalSectorSize  uint32
	PhysicalSectorSize uint32

	HasRange      bool
	RangeStartLBA int64
	RangeSize     int64

	AIOMode constants.AIOMode
}

// ParseOptions splits an option string of the form
// "<path>,opt1,opt2=v2,..." into a path and its parsed Options. The
// supported tokens (writeback, writethru, ro, nocache, no_bst_block,
// discard=S:G:A, sectorsize=L[/P], range=LBA/LEN, aio=threads|io_uring)
// mirror the option grammar this engine was distilled from.
func ParseOptions(optstr string) (Options, error) {
	opts := Options{AIOMode: constants.AIOThreads}

	first, rest, hasRest := strings.Cut(optstr, ",")
	opts.Path = first

	for hasRest {
		var tok string
		tok, rest, hasRest = strings.Cut(rest, ",")
		if tok == "" {
			continue
		}
		if err := applyOption(&opts, tok); err != nil {
			return Options{}, err
		}
	}

	return opts, nil
}

func applyOption(opts *Options, tok string) error {
	switch {
	case tok == "writeback":
		opts.Writeback = true
	case tok == "writethru":
		opts.Writeback = false
	case tok == "ro":
		opts.ReadOnly = true
	case tok == "nocache":
		opts.BypassHostCache = true
	case tok == "no_bst_block":
		opts.BstBlockDisabled = true
	case strings.HasPrefix(tok, "discard"):
		val, hasVal := strings.CutPrefix(tok, "discard=")
		opts.HasDiscard = true
		if !hasVal {
			return nil
		}
		parts := strings.SplitN(val, ":", 3)
		if len(parts) != 3 {
			return invalidOption(tok)
		}
		s, err1 := strconv.ParseInt(parts[0], 10, 64)
		g, err2 := strconv.ParseInt(parts[1], 10, 64)
		a, err3 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return invalidOption(tok)
		}
		opts.MaxDiscardSectors, opts.MaxDiscardSeg, opts.DiscardSectorAlignment = s, g, a
	case strings.HasPrefix(tok, "sectorsize"):
		val, hasVal := strings.CutPrefix(tok, "sectorsize=")
		if !hasVal {
			return invalidOption(tok)
		}
		logical, phys, found := strings.Cut(val, "/")
		l, err := strconv.ParseUint(logical, 10, 32)
		if err != nil {
			return invalidOption(tok)
		}
		p := l
		if found {
			pv, err := strconv.ParseUint(phys, 10, 32)
			if err != nil {
				return invalidOption(tok)
			}
			p = pv
		}
		opts.HasSectorSize = true
		opts.LogicalSectorSize = uint32(l)
		opts.PhysicalSectorSize = uint32(p)
	case strings.HasPrefix(tok, "range"):
		val, hasVal := strings.CutPrefix(tok, "range=")
		if !hasVal {
			return invalidOption(tok)
		}
		startStr, sizeStr, found := strings.Cut(val, "/")
		if !found {
			return invalidOption(tok)
		}
		start, err1 := strconv.ParseInt(startStr, 10, 64)
		size, err2 := strconv.ParseInt(sizeStr, 10, 64)
		if err1 != nil || err2 != nil {
			return invalidOption(tok)
		}
		opts.HasRange = true
		opts.RangeStartLBA = start
		opts.RangeSize = size
	case strings.HasPrefix(tok, "aio"):
		val, hasVal := strings.CutPrefix(tok, "aio=")
		if !hasVal {
			return invalidOption(tok)
		}
		switch val {
		case "threads":
			opts.AIOMode = constants.AIOThreads
		case "io_uring":
			opts.AIOMode = constants.AIORing
		default:
			return invalidOption(tok)
		}
	default:
		return invalidOption(tok)
	}
	return nil
}

func invalidOption(tok string) error {
	return fmt.Errorf("invalid device option %q", tok)
}
