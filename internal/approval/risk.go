package approval

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Risk levels, lowest to highest.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ValidRisk reports whether level is one of the four known values.
func ValidRisk(level string) bool {
	_, ok := riskRank[level]
	return ok
}

// maxRisk returns the higher of two levels.
func maxRisk(a, b string) string {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// escalate bumps a level one notch, saturating at critical.
func escalate(level string) string {
	switch level {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// ============================================================================
// PATTERN LIBRARY
// ============================================================================

// riskPattern pairs a compiled matcher with the level it implies.
// Matchers run in order; the first hit wins (deny-first: the library is
// ordered most-severe first).
type riskPattern struct {
	re    *regexp.Regexp
	level string
}

func pat(level, expr string) riskPattern {
	return riskPattern{re: regexp.MustCompile(expr), level: level}
}

// Filesystem targets. Key material and auth databases are critical;
// system config and home dot-files high.
var filePatterns = []riskPattern{
	pat(RiskCritical, `(?i)/etc/(shadow|passwd|sudoers)`),
	pat(RiskCritical, `(?i)\.ssh/`),
	pat(RiskCritical, `(?i)(^|/)(id_rsa|id_ed25519|id_ecdsa)(\.pub)?\b`),
	pat(RiskCritical, `(?i)\.(pem|key|p12|pfx)\b`),
	pat(RiskHigh, `^/etc/`),
	pat(RiskHigh, `(?i)(^|/)\.aws/|(^|/)\.gnupg/|(^|/)\.kube/`),
	pat(RiskHigh, `(?i)(^|/)\.env\b|(^|/)\.netrc\b|(^|/)\.npmrc\b`),
	// Dot-files directly under a home directory.
	pat(RiskHigh, `(^~|^/home/[^/]+|^/root|^/Users/[^/]+)/\.[^/]+`),
	pat(RiskHigh, `(?i)(credential|secret|token|password|apikey|api_key)`),
	pat(RiskMedium, `^/(usr|var|boot|bin|sbin|lib)/`),
}

// Network targets. Known exfiltration endpoints and wildcard hosts stop
// the request at high; tunneled and raw-IP destinations are suspicious.
var networkPatterns = []riskPattern{
	pat(RiskCritical, `(?i)\b(pastebin\.com|transfer\.sh|file\.io|anonfiles\.com|0x0\.st|termbin\.com)\b`),
	pat(RiskHigh, `(?i)\b(ngrok\.io|webhook\.site|requestbin|burpcollaborator|interact\.sh)\b`),
	pat(RiskHigh, `(^|\s)\*(\s|$)|://\*|0\.0\.0\.0`),
	pat(RiskMedium, `://\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`),
}

// Shell commands. Substring library per the hardening guide: privilege
// escalation, recursive deletes, pipe-to-shell, dynamic evaluation.
var commandPatterns = []riskPattern{
	pat(RiskCritical, `rm\s+(-[a-zA-Z]*\s+)*-?[a-zA-Z]*rf?\s+/(\s|$)`),
	pat(RiskCritical, `:\(\)\s*\{.*\|.*&.*\}`), // fork bomb
	pat(RiskCritical, `(?i)\bmkfs\b|\bdd\s+[^|]*of=/dev/`),
	pat(RiskCritical, `(?i)(curl|wget)[^|;]*\|\s*(ba|z|da)?sh\b`),
	pat(RiskHigh, `(?i)\bsudo\b`),
	pat(RiskHigh, `rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*r[a-zA-Z]*f|\brm\s+-rf\b`),
	pat(RiskHigh, `(?i)\beval\b|\bexec\b`),
	pat(RiskHigh, `(?i)\bchmod\s+(-[a-zA-Z]+\s+)*0?777\b`),
	pat(RiskHigh, `(?i)>\s*/dev/(sd|nvme|hd)`),
	pat(RiskMedium, `(?i)\bkill(all)?\b|\bpkill\b`),
}

// Category floors: the minimum level a category carries even when no
// pattern matches.
var categoryFloor = map[string]string{
	CategoryFileWrite:        RiskLow,
	CategoryFileDelete:       RiskMedium,
	CategoryNetworkCall:      RiskLow,
	CategoryCredentialUse:    RiskMedium,
	CategoryDangerousCommand: RiskMedium,
	CategoryExternalAPI:      RiskLow,
	CategorySystemConfig:     RiskMedium,
}

// ============================================================================
// SCORER
// ============================================================================

// ScorerConfig tunes repeated-request escalation.
type ScorerConfig struct {
	// EscalationThreshold is how many scored requests of one category
	// within the window bump the verdict one level. Zero disables.
	EscalationThreshold int
	EscalationWindow    time.Duration
}

// DefaultScorerConfig escalates after 10 same-category requests in 10
// minutes.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{EscalationThreshold: 10, EscalationWindow: 10 * time.Minute}
}

// Scorer maps (category, action body) to a risk level with a deny-first
// pattern library, escalating when one category gets hammered.
type Scorer struct {
	cfg ScorerConfig

	mu   sync.Mutex
	seen map[string][]time.Time

	now func() time.Time
}

// NewScorer builds a scorer. Zero-value config takes the defaults.
func NewScorer(cfg ScorerConfig) *Scorer {
	def := DefaultScorerConfig()
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = def.EscalationWindow
	}
	return &Scorer{
		cfg:  cfg,
		seen: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Score returns the level for one action. The verdict never goes below
// the category floor.
func (s *Scorer) Score(category, actionBody string) string {
	level := s.match(category, actionBody)
	level = maxRisk(level, categoryFloor[category])

	if s.bump(category) {
		level = escalate(level)
	}
	return level
}

func (s *Scorer) match(category, actionBody string) string {
	var lib []riskPattern
	switch category {
	case CategoryFileWrite, CategoryFileDelete:
		lib = filePatterns
	case CategoryNetworkCall, CategoryExternalAPI:
		lib = networkPatterns
	case CategoryDangerousCommand:
		lib = commandPatterns
	default:
		return RiskLow
	}
	for _, p := range lib {
		if p.re.MatchString(actionBody) {
			return p.level
		}
	}
	return RiskLow
}

// bump counts a request against its category window and reports whether
// the escalation threshold is now exceeded.
func (s *Scorer) bump(category string) bool {
	if s.cfg.EscalationThreshold <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.cfg.EscalationWindow)
	live := s.seen[category][:0]
	for _, t := range s.seen[category] {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	live = append(live, now)
	s.seen[category] = live

	return len(live) > s.cfg.EscalationThreshold
}

// ============================================================================
// OPERATION NORMALIZATION
// ============================================================================

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeNetworkOperation reduces a network operation to the canonical
// "METHOD host/path" form rule globs are written against. Shell curl
// invocations and raw "METHOD url" strings both normalize; anything else
// passes through unchanged.
func NormalizeNetworkOperation(op string) string {
	fields := strings.Fields(op)
	if len(fields) == 0 {
		return op
	}

	if fields[0] == "curl" || fields[0] == "wget" {
		method := "GET"
		var target string
		for i := 1; i < len(fields); i++ {
			f := fields[i]
			switch {
			case f == "-X" || f == "--request":
				if i+1 < len(fields) {
					method = strings.ToUpper(fields[i+1])
					i++
				}
			case strings.HasPrefix(f, "-X") && len(f) > 2:
				method = strings.ToUpper(f[2:])
			case !strings.HasPrefix(f, "-") && target == "":
				target = f
			}
		}
		if target == "" {
			return op
		}
		return method + " " + stripScheme(target)
	}

	if httpMethods[strings.ToUpper(fields[0])] && len(fields) >= 2 {
		return strings.ToUpper(fields[0]) + " " + stripScheme(fields[1])
	}
	return op
}

func stripScheme(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[i+3:]
	}
	return url
}

// ============================================================================
// GLOB MATCHING
// ============================================================================

// globToRegexp compiles a rule glob: '*' spans any run (slashes
// included, so "/etc/**" and "/etc/*" both cover the subtree), '?' one
// character, everything else literal. Anchored at both ends.
func globToRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			// "**" collapses to the same wildcard.
			if !strings.HasSuffix(b.String(), ".*") {
				b.WriteString(".*")
			}
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
