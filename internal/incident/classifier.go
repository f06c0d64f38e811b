package incident

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Rule maps detection wording onto an incident type.
type Rule struct {
	Type       string   `yaml:"type"`
	Aliases    []string `yaml:"aliases"`
	Keywords   []string `yaml:"keywords"`
	Techniques []string `yaml:"techniques"`
	Severity   Severity `yaml:"severity"`
	Runbook    string   `yaml:"runbook"`
}

// DefaultConfidenceFloor is the confidence below which incidents go to
// manual review.
const DefaultConfidenceFloor = 0.5

const (
	aliasConfidence  = 0.55
	keywordStep      = 0.1
	keywordCap       = 0.3
	techniqueBonus   = 0.1
	keywordOnlyMalus = 0.15
)

var techniqueID = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// DefaultRules is the built-in rule table. Each rule's runbook id refers to
// the built-in runbook catalog.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:       "ransomware",
			Aliases:    []string{"ransomware", "ransom", "crypto_locker"},
			Keywords:   []string{"ransom", "encrypted files", "ransom note", "shadow copies", "vssadmin"},
			Techniques: []string{"T1486", "T1490"},
			Severity:   SeverityCritical,
			Runbook:    "ransomware-containment",
		},
		{
			Type:       "malware",
			Aliases:    []string{"malware", "virus", "trojan", "edr_malware", "malicious_file"},
			Keywords:   []string{"malware", "trojan", "malicious binary", "dropper", "backdoor"},
			Techniques: []string{"T1204", "T1059"},
			Severity:   SeverityHigh,
			Runbook:    "malware-containment",
		},
		{
			Type:       "brute_force",
			Aliases:    []string{"brute_force", "bruteforce", "password_spray", "auth_failure_burst"},
			Keywords:   []string{"failed login", "failed logins", "brute force", "password spray", "authentication failures"},
			Techniques: []string{"T1110", "T1110.001", "T1110.003"},
			Severity:   SeverityMedium,
			Runbook:    "brute-force-block",
		},
		{
			Type:       "credential_compromise",
			Aliases:    []string{"credential_compromise", "account_compromise", "impossible_travel", "credential_theft"},
			Keywords:   []string{"impossible travel", "stolen credentials", "credential dump", "mimikatz", "token theft"},
			Techniques: []string{"T1078", "T1003"},
			Severity:   SeverityHigh,
			Runbook:    "credential-compromise",
		},
		{
			Type:       "phishing",
			Aliases:    []string{"phishing", "phish", "malicious_email"},
			Keywords:   []string{"phishing", "suspicious email", "credential harvesting", "malicious link", "spoofed sender"},
			Techniques: []string{"T1566", "T1566.001", "T1566.002"},
			Severity:   SeverityMedium,
			Runbook:    "phishing-response",
		},
		{
			Type:       "lateral_movement",
			Aliases:    []string{"lateral_movement", "lateral", "pass_the_hash"},
			Keywords:   []string{"lateral movement", "psexec", "remote service", "pass the hash", "wmi execution"},
			Techniques: []string{"T1021", "T1550"},
			Severity:   SeverityHigh,
			Runbook:    "lateral-movement-containment",
		},
		{
			Type:       "data_exfiltration",
			Aliases:    []string{"data_exfiltration", "exfiltration", "exfil", "dlp"},
			Keywords:   []string{"exfiltration", "large upload", "data transfer", "unusual outbound"},
			Techniques: []string{"T1041", "T1048", "T1567"},
			Severity:   SeverityHigh,
			Runbook:    "exfiltration-response",
		},
		{
			Type:       "command_and_control",
			Aliases:    []string{"command_and_control", "c2", "c&c", "beacon"},
			Keywords:   []string{"beacon", "command and control", "c2 traffic", "dns tunneling"},
			Techniques: []string{"T1071", "T1572", "T1573"},
			Severity:   SeverityHigh,
			Runbook:    "c2-disruption",
		},
		{
			Type:       "privilege_escalation",
			Aliases:    []string{"privilege_escalation", "privesc", "priv_esc"},
			Keywords:   []string{"privilege escalation", "added to domain admins", "sudo abuse", "token manipulation"},
			Techniques: []string{"T1068", "T1548", "T1134"},
			Severity:   SeverityHigh,
			Runbook:    "privilege-escalation",
		},
		{
			Type:       "reconnaissance",
			Aliases:    []string{"reconnaissance", "recon", "port_scan", "scan"},
			Keywords:   []string{"port scan", "network scan", "enumeration", "discovery"},
			Techniques: []string{"T1046", "T1595"},
			Severity:   SeverityLow,
			Runbook:    "recon-monitor",
		},
	}
}

// Classifier turns detection events into incidents. It never fails: events it
// cannot make sense of become unclassified incidents routed to manual review.
type Classifier struct {
	rules    []Rule
	floor    float64
	critical func(target string) bool
	logger   zerolog.Logger
	now      func() time.Time
}

type ClassifierOption func(*Classifier)

// WithCriticalAssets tells the classifier which targets are critical; a
// critical target raises the incident severity by one level.
func WithCriticalAssets(fn func(target string) bool) ClassifierOption {
	return func(c *Classifier) { c.critical = fn }
}

func WithClassifierClock(now func() time.Time) ClassifierOption {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier builds a classifier. An empty rule set selects DefaultRules;
// a non-positive floor selects DefaultConfidenceFloor.
func NewClassifier(rules []Rule, floor float64, logger zerolog.Logger, opts ...ClassifierOption) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	c := &Classifier{
		rules:    normalizeRules(rules),
		floor:    floor,
		critical: func(string) bool { return false },
		logger:   logger.With().Str("component", "classifier").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func normalizeRules(in []Rule) []Rule {
	out := make([]Rule, len(in))
	for i, r := range in {
		r.Aliases = lowerAll(r.Aliases)
		r.Keywords = lowerAll(r.Keywords)
		r.Techniques = sortedSet(r.Techniques, normTechnique)
		out[i] = r
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normTechnique(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !techniqueID.MatchString(s) {
		return ""
	}
	return s
}

type match struct {
	rule       *Rule
	alias      bool
	keywords   int
	techniques bool
	confidence float64
}

// Classify produces a new incident at the intake stage.
func (c *Classifier) Classify(ev DetectionEvent) *Incident {
	now := c.now()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}
	inc := &Incident{
		ID:            uuid.New().String(),
		CorrelationID: uuid.New().String(),
		EventID:       ev.ID,
		Event:         ev,
		Targets:       ev.AllTargets(),
		Source:        strings.TrimSpace(ev.Source),
		User:          strings.TrimSpace(ev.User),
		Stage:         StageIntake,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	hints := sortedSet(ev.TechniqueHints, normTechnique)

	if bad, why := ev.Malformed(); bad {
		inc.Type = TypeUnclassified
		inc.Severity = SeverityUnknown
		inc.RunbookID = NoRunbook
		inc.LowConfidence = true
		inc.ManualReason = why
		inc.Techniques = hints
		c.logger.Warn().Str("incident_id", inc.ID).Str("event_id", ev.ID).Str("reason", why).Msg("malformed detection event")
		return inc
	}

	best := c.bestMatch(ev, hints)
	if best == nil {
		inc.Type = TypeUnclassified
		inc.Severity = ev.SeverityHint
		inc.RunbookID = NoRunbook
		inc.LowConfidence = true
		inc.ManualReason = "no classification rule matched"
		inc.Techniques = hints
		return inc
	}

	inc.Type = best.rule.Type
	inc.MatchedRule = best.rule.Type
	inc.RunbookID = best.rule.Runbook
	inc.Confidence = best.confidence
	inc.LowConfidence = best.confidence < c.floor
	inc.Techniques = sortedSet(append(hints, best.rule.Techniques...), normTechnique)

	inc.Severity = ev.SeverityHint
	if inc.Severity == SeverityUnknown {
		inc.Severity = best.rule.Severity
	}
	for _, t := range inc.Targets {
		if c.critical(t) {
			inc.Severity = inc.Severity.Raise()
			break
		}
	}
	if inc.LowConfidence {
		inc.ManualReason = "classification confidence below floor"
	}

	c.logger.Debug().
		Str("incident_id", inc.ID).
		Str("type", inc.Type).
		Str("severity", inc.Severity.String()).
		Float64("confidence", inc.Confidence).
		Msg("detection classified")
	return inc
}

func (c *Classifier) bestMatch(ev DetectionEvent, hints []string) *match {
	hint := strings.ToLower(strings.TrimSpace(ev.TypeHint))
	desc := strings.ToLower(ev.Description)

	var best *match
	for i := range c.rules {
		r := &c.rules[i]
		m := match{rule: r}
		for _, a := range r.Aliases {
			if hint == a {
				m.alias = true
				break
			}
		}
		for _, k := range r.Keywords {
			if desc != "" && strings.Contains(desc, k) {
				m.keywords++
			}
		}
		if !m.alias && m.keywords == 0 {
			continue
		}
		m.techniques = overlaps(hints, r.Techniques)
		m.confidence = score(m)
		if best == nil || m.confidence > best.confidence {
			mm := m
			best = &mm
		}
	}
	return best
}

func score(m match) float64 {
	conf := 0.0
	if m.alias {
		conf = aliasConfidence
	}
	conf += math.Min(float64(m.keywords)*keywordStep, keywordCap)
	if m.techniques {
		conf += techniqueBonus
	}
	if !m.alias {
		conf -= keywordOnlyMalus
	}
	conf = math.Max(0, math.Min(1, conf))
	return math.Round(conf*1000) / 1000
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// Rules returns a copy of the active rule table, sorted by type.
func (c *Classifier) Rules() []Rule {
	out := append([]Rule(nil), c.rules...)
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (c *Classifier) Floor() float64 { return c.floor }
