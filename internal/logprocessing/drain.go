// Package logprocessing implements online log template mining with a
// fixed-depth prefix tree (the Drain algorithm). Lines are normalized,
// tokenized, and clustered into templates; variable positions degrade to a
// wildcard as new lines join a cluster.
package logprocessing

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"

	"github.com/safeops/buildwatch/internal/logging"
)

const (
	// wildcardToken marks a template position whose value varies.
	wildcardToken = "<*>"

	// emptyTemplateID is returned for lines that tokenize to nothing.
	emptyTemplateID = "empty"
)

// Config holds the Drain tree parameters.
type Config struct {
	// Depth is the total tree depth; Depth-1 token levels are consumed
	// below the length-keyed root.
	Depth int

	// SimTh is the minimum similarity for a line to join an existing
	// cluster. Below it a new cluster is created.
	SimTh float64

	// MaxChildren caps the branching factor of internal nodes. Overflowing
	// tokens are routed through a shared wildcard child.
	MaxChildren int
}

// DefaultConfig returns the standard Drain parameters.
func DefaultConfig() Config {
	return Config{
		Depth:       4,
		SimTh:       0.4,
		MaxChildren: 100,
	}
}

// LogCluster is one mined template and its membership count.
type LogCluster struct {
	// TemplateID is stable for the life of the cluster. It is derived from
	// the tokens the cluster was created with, not the generalized ones.
	TemplateID string

	// TemplateTokens is the current, possibly generalized, token sequence.
	TemplateTokens []string

	// Size is the number of lines matched into this cluster.
	Size int
}

// Template returns the cluster's template as a space-joined string.
func (c *LogCluster) Template() string {
	return strings.Join(c.TemplateTokens, " ")
}

// TemplateInfo is a read-only snapshot of a cluster.
type TemplateInfo struct {
	TemplateID string `json:"template_id"`
	Template   string `json:"template"`
	Count      int    `json:"count"`
}

// ParseResult is the per-line output of template mining.
type ParseResult struct {
	LineID     int      `json:"line_id"`
	Raw        string   `json:"raw"`
	TemplateID string   `json:"template_id"`
	Template   string   `json:"template"`
	Tokens     []string `json:"tokens"`
}

type node struct {
	children map[string]*node
	clusters []*LogCluster
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Miner is an online Drain template miner. All methods are safe for
// concurrent use; Parse mutates the tree under an exclusive lock.
type Miner struct {
	mu     sync.RWMutex
	cfg    Config
	root   *node
	byID   map[string]*LogCluster
	order  []string
	logger *logging.Logger
}

// NewMiner creates a Miner with the given configuration.
func NewMiner(cfg Config) *Miner {
	return &Miner{
		cfg:    cfg,
		root:   newNode(),
		byID:   make(map[string]*LogCluster),
		logger: logging.GetLogger("logprocessing.drain"),
	}
}

// Parse mines a single line. It returns the cluster's template ID, the
// current template string, and the normalized tokens. Lines that tokenize to
// nothing yield the empty sentinel.
func (m *Miner) Parse(line string) (templateID, template string, tokens []string) {
	tokens = preprocess(line)
	if len(tokens) == 0 {
		return emptyTemplateID, "", []string{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := m.treeSearch(tokens)
	if cluster != nil {
		m.updateTemplate(cluster, tokens)
		cluster.Size++
		return cluster.TemplateID, cluster.Template(), tokens
	}

	cluster = m.newCluster(tokens)
	m.addToTree(cluster)
	m.logger.DebugWithFields("new template",
		logging.Field("template_id", cluster.TemplateID),
		logging.Field("template", cluster.Template()),
	)
	return cluster.TemplateID, cluster.Template(), tokens
}

// ParseLines mines a batch of lines, skipping blank ones. LineID is the
// zero-based index into the input slice.
func (m *Miner) ParseLines(lines []string) []ParseResult {
	results := make([]ParseResult, 0, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		id, tmpl, tokens := m.Parse(line)
		results = append(results, ParseResult{
			LineID:     i,
			Raw:        line,
			TemplateID: id,
			Template:   tmpl,
			Tokens:     tokens,
		})
	}
	return results
}

// newCluster creates a cluster keyed by the MD5 of its initial tokens,
// truncated to 12 hex characters. Later generalization does not change the ID.
func (m *Miner) newCluster(tokens []string) *LogCluster {
	sum := md5.Sum([]byte(strings.Join(tokens, " ")))
	id := hex.EncodeToString(sum[:])[:12]

	cluster := &LogCluster{
		TemplateID:     id,
		TemplateTokens: append([]string(nil), tokens...),
		Size:           1,
	}
	if _, exists := m.byID[id]; !exists {
		m.order = append(m.order, id)
	}
	m.byID[id] = cluster
	return cluster
}

// treeSearch descends the tree for the leaf holding candidate clusters, then
// fast-matches the tokens against them. Returns nil when no leaf exists or no
// candidate clears the similarity threshold.
func (m *Miner) treeSearch(tokens []string) *LogCluster {
	lengthKey := strconv.Itoa(len(tokens))
	cur, ok := m.root.children[lengthKey]
	if !ok {
		return nil
	}

	levels := m.cfg.Depth - 1
	if len(tokens) < levels {
		levels = len(tokens)
	}
	for i := 0; i < levels; i++ {
		key := tokens[i]
		if hasNumbers(key) {
			key = wildcardToken
		}
		next, ok := cur.children[key]
		if !ok {
			next, ok = cur.children[wildcardToken]
			if !ok {
				return nil
			}
		}
		cur = next
	}

	return m.fastMatch(cur.clusters, tokens)
}

// fastMatch returns the most similar candidate whose similarity strictly
// exceeds the threshold. Ties keep the earliest candidate.
func (m *Miner) fastMatch(candidates []*LogCluster, tokens []string) *LogCluster {
	var best *LogCluster
	bestSim := -1.0

	for _, c := range candidates {
		if len(c.TemplateTokens) != len(tokens) {
			continue
		}
		sim := seqSimilarity(c.TemplateTokens, tokens)
		if sim > bestSim {
			bestSim = sim
			best = c
		}
	}

	if best == nil || bestSim <= m.cfg.SimTh {
		return nil
	}
	return best
}

// seqSimilarity is the fraction of positions with identical tokens, counting
// only positions where neither side holds the wildcard. An all-wildcard
// template matches everything.
func seqSimilarity(templateTokens, tokens []string) float64 {
	matches := 0
	total := 0
	for i, tt := range templateTokens {
		if tt == wildcardToken || tokens[i] == wildcardToken {
			continue
		}
		total++
		if tt == tokens[i] {
			matches++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(matches) / float64(total)
}

// updateTemplate generalizes the cluster's template against the new tokens:
// positions that differ become the wildcard. Wildcards never revert.
func (m *Miner) updateTemplate(cluster *LogCluster, tokens []string) {
	for i, tt := range cluster.TemplateTokens {
		if tt != wildcardToken && tt != tokens[i] {
			cluster.TemplateTokens[i] = wildcardToken
		}
	}
}

// addToTree inserts the cluster's leaf path, respecting MaxChildren: when a
// node is full, new tokens route through the shared wildcard child.
func (m *Miner) addToTree(cluster *LogCluster) {
	tokens := cluster.TemplateTokens
	lengthKey := strconv.Itoa(len(tokens))

	cur, ok := m.root.children[lengthKey]
	if !ok {
		cur = newNode()
		m.root.children[lengthKey] = cur
	}

	levels := m.cfg.Depth - 1
	if len(tokens) < levels {
		levels = len(tokens)
	}
	for i := 0; i < levels; i++ {
		key := tokens[i]
		if hasNumbers(key) {
			key = wildcardToken
		}

		next, ok := cur.children[key]
		if !ok {
			if key != wildcardToken && len(cur.children) >= m.cfg.MaxChildren {
				key = wildcardToken
				next, ok = cur.children[key]
			}
			if !ok {
				next = newNode()
				cur.children[key] = next
			}
		}
		cur = next
	}

	cur.clusters = append(cur.clusters, cluster)
}

// TemplateCount returns the number of distinct templates mined so far.
func (m *Miner) TemplateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Templates returns all mined templates in creation order.
func (m *Miner) Templates() []TemplateInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TemplateInfo, 0, len(m.order))
	for _, id := range m.order {
		c := m.byID[id]
		out = append(out, TemplateInfo{
			TemplateID: c.TemplateID,
			Template:   c.Template(),
			Count:      c.Size,
		})
	}
	return out
}

// Distribution returns line counts keyed by template ID.
func (m *Miner) Distribution() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dist := make(map[string]int, len(m.byID))
	for id, c := range m.byID {
		dist[id] = c.Size
	}
	return dist
}
