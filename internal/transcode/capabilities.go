// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"regexp"
	"sync"

	"github.com/rs/zerolog"
)

// Capabilities remembers, per node, which optional transcoder flags the
// installed binary accepts. It starts optimistic: every flag is assumed
// supported until the probe or a rejected invocation says otherwise.
type Capabilities struct {
	mu          sync.RWMutex
	unsupported map[string]bool
	probed      bool
}

// NewCapabilities returns an optimistic capability set.
func NewCapabilities() *Capabilities {
	return &Capabilities{unsupported: make(map[string]bool)}
}

// Supported reports whether flag should be attempted.
func (c *Capabilities) Supported(flag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.unsupported[flag]
}

// MarkUnsupported permanently records that the transcoder rejected
// flag on this node.
func (c *Capabilities) MarkUnsupported(flag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsupported[flag] = true
}

// Probe asks the transcoder's built-in help which optional flags it
// exposes, so steady-state builds rarely need the reactive retry path.
// Probe failures leave the optimistic defaults in place.
func (c *Capabilities) Probe(ctx context.Context, runner Runner, logger zerolog.Logger) {
	c.mu.Lock()
	if c.probed {
		c.mu.Unlock()
		return
	}
	c.probed = true
	c.mu.Unlock()

	help := ""
	for _, args := range [][]string{
		{"-hide_banner", "-h", "muxer=dash"},
		{"-hide_banner", "-h", "protocol=http"},
	} {
		out, _, err := runner.Run(ctx, args)
		if err != nil {
			logger.Warn().Err(err).Strs("args", args).Msg("capability probe failed, keeping optimistic defaults")
			return
		}
		help += out
	}

	for flag := range optionalFlags {
		if !regexp.MustCompile(`(?m)^\s*-?` + regexp.QuoteMeta(flag) + `\b`).MatchString(help) {
			c.MarkUnsupported(flag)
			logger.Info().Str("flag", flag).Msg("transcoder does not expose flag, disabling")
		}
	}
}

// unrecognizedPatterns is the fixed set of stderr shapes the transcoder
// uses to report an unknown option.
var unrecognizedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Unrecognized option '([^']+)'`),
	regexp.MustCompile(`Option ([A-Za-z0-9_]+) not found`),
	regexp.MustCompile(`Unknown option '?(-?[A-Za-z0-9_]+)'?`),
}

// UnrecognizedOption extracts the rejected flag name from stderr, if
// the failure was an unknown-option error for one of the optional
// flags. Mandatory flags are never stripped.
func UnrecognizedOption(stderr string) (string, bool) {
	for _, re := range unrecognizedPatterns {
		if m := re.FindStringSubmatch(stderr); m != nil {
			flag := m[1]
			for len(flag) > 0 && flag[0] == '-' {
				flag = flag[1:]
			}
			if optionalFlags[flag] {
				return flag, true
			}
		}
	}
	return "", false
}
