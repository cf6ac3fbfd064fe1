// Package advice turns the current set of recurring items into a few short
// financial tips using a language-model provider.
package advice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"payflow/internal/cache"
	"payflow/internal/core"
	"payflow/internal/log"
)

// MaxTips is the number of tips requested from the provider.
const MaxTips = 3

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 20 * time.Second

var (
	// FallbackTips are returned whenever the provider fails or replies with
	// something other than a JSON array of strings.
	FallbackTips = []string{
		"Stay consistent with your tracking!",
		"Always set aside a small emergency fund.",
		"Review your subscription services regularly.",
	}

	// NoItemsTips are returned without calling the provider when there is
	// nothing to analyse.
	NoItemsTips = []string{"Add recurring items to see AI insights!"}
)

// Provider sends a prompt to a language model and returns the raw reply.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

type Options struct {
	// CurrencySymbol prefixes every amount in the prompt.
	CurrencySymbol string
	Timeout        time.Duration
	// Cache keeps replies per item fingerprint. Nil disables caching.
	Cache  cache.Cache[[]string]
	Logger *log.Logger
}

type Service struct {
	provider Provider
	opts     Options
	logger   *log.Logger
}

// NewService returns a Service. A nil provider always yields FallbackTips.
func NewService(provider Provider, opts Options) *Service {
	if opts.CurrencySymbol == "" {
		opts.CurrencySymbol = "₹"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default(log.ComponentAdvice)
	}
	return &Service{provider: provider, opts: opts, logger: logger}
}

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool {
	return s.provider != nil
}

// Tips never fails: every error path degrades to FallbackTips.
func (s *Service) Tips(ctx context.Context, doc core.Document) []string {
	if len(doc.Items) == 0 {
		return copyTips(NoItemsTips)
	}
	if s.provider == nil {
		return copyTips(FallbackTips)
	}

	key := Fingerprint(doc.Items)
	if s.opts.Cache != nil {
		if tips, ok := s.opts.Cache.Get(key); ok {
			return copyTips(tips)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	reply, err := s.provider.Generate(ctx, BuildPrompt(doc.Items, s.opts.CurrencySymbol))
	if err != nil {
		s.logger.WarnContext(ctx, "Advice provider failed",
			log.FieldProvider, s.provider.Name(),
			log.FieldError, err)
		return copyTips(FallbackTips)
	}
	tips, err := ParseTips(reply)
	if err != nil {
		s.logger.WarnContext(ctx, "Advice reply unusable",
			log.FieldProvider, s.provider.Name(),
			log.FieldError, err)
		return copyTips(FallbackTips)
	}

	if s.opts.Cache != nil {
		s.opts.Cache.Set(key, tips)
	}
	return copyTips(tips)
}

// BuildPrompt lists incoming and outgoing items and asks for short tips as
// a JSON array.
func BuildPrompt(items []core.RecurringItem, currency string) string {
	describe := func(dir core.Direction) string {
		var parts []string
		for _, it := range items {
			if it.Direction == dir {
				parts = append(parts, fmt.Sprintf("%s: %s%s", it.Title, currency, it.Amount.Decimal().String()))
			}
		}
		if len(parts) == 0 {
			return "None listed"
		}
		return strings.Join(parts, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I am tracking my recurring monthly finances. Here is my current monthly setup (amounts in %s):\n", currency)
	fmt.Fprintf(&b, "Incoming: %s\n", describe(core.Income))
	fmt.Fprintf(&b, "Outgoing: %s\n\n", describe(core.Expense))
	fmt.Fprintf(&b, "Please provide %d brief, actionable financial tips or observations based on this data.\n", MaxTips)
	b.WriteString("Format the response as a JSON array of strings.\n")
	b.WriteString("Keep tips short and mobile-friendly (max 15 words each).")
	return b.String()
}

// ParseTips decodes a JSON array of strings, tolerating a markdown code
// fence around it. Blank tips are dropped and at most MaxTips are kept. An
// empty reply or array yields no tips.
func ParseTips(reply string) ([]string, error) {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = "[]"
	}

	var raw []string
	if err := json.Unmarshal([]byte(reply), &raw); err != nil {
		return nil, fmt.Errorf("decode tips: %w", err)
	}

	tips := make([]string, 0, MaxTips)
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			tips = append(tips, t)
		}
		if len(tips) == MaxTips {
			break
		}
	}
	return tips, nil
}

// Fingerprint identifies the inputs of a prompt. It ignores ids, due days
// and ordering so equivalent item sets share a cache entry.
func Fingerprint(items []core.RecurringItem) string {
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("%s|%s|%d", it.Direction, it.Title, it.Amount.Cents)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func copyTips(tips []string) []string {
	return append(make([]string, 0, len(tips)), tips...)
}
