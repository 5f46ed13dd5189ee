// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory is a content-addressed store with tag and type indices,
// importance decay, optional embedding-based recall and trigger-pattern
// matching.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentmesh/agentmesh/pkg/storage"
)

// accessBoost is added to importance on every recall, capped at 1.0.
const accessBoost = 0.05

// Embedder turns text into a vector for similarity recall. Optional.
type Embedder func(ctx context.Context, text string) ([]float64, error)

// Memory is one content-addressed unit of stored information.
type Memory struct {
	ID           string         `json:"memory_id"`
	Content      map[string]any `json:"content"`
	Type         string         `json:"memory_type"`
	Importance   float64        `json:"importance"`
	DecayRate    float64        `json:"decay_rate"`
	Tags         []string       `json:"tags,omitempty"`
	Links        []string       `json:"links,omitempty"`
	Embedding    []float64      `json:"embedding,omitempty"`
	AccessCount  int64          `json:"access_count"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// ContentID hashes the canonical JSON serialization, so identical content
// always yields the same id.
func ContentID(content map[string]any) (string, error) {
	raw, err := json.Marshal(content) // map keys are sorted
	if err != nil {
		return "", fmt.Errorf("serializing content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return "mem_" + hex.EncodeToString(sum[:])[:16], nil
}

// Pattern matches contexts against trigger conditions. A condition value of
// {"$regex": expr} performs a regex test; anything else requires equality.
type Pattern struct {
	ID                string         `json:"pattern_id"`
	Name              string         `json:"name"`
	TriggerConditions map[string]any `json:"trigger_conditions"`
	Response          map[string]any `json:"response,omitempty"`
	MatchCount        int64          `json:"match_count"`
}

// RecallOptions select and rank memories.
type RecallOptions struct {
	Query string
	Tags  []string
	Type  string
	Limit int
}

// Store owns all memories under one mutex. An optional object store mirrors
// each memory for durability.
type Store struct {
	logger   log.Logger
	embedder Embedder
	objects  storage.Object
	now      func() time.Time

	mtx      sync.Mutex
	memories map[string]*Memory
	byTag    map[string]map[string]struct{}
	byType   map[string]map[string]struct{}
	patterns map[string]*Pattern
	regexps  map[string]*regexp.Regexp
}

// NewStore loads mirrored memories from the object store when one is given.
func NewStore(logger log.Logger, embedder Embedder, objects storage.Object) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		logger:   logger,
		embedder: embedder,
		objects:  objects,
		now:      time.Now,
		memories: map[string]*Memory{},
		byTag:    map[string]map[string]struct{}{},
		byType:   map[string]map[string]struct{}{},
		patterns: map[string]*Pattern{},
		regexps:  map[string]*regexp.Regexp{},
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.objects == nil {
		return
	}
	ctx := context.Background()
	infos, err := s.objects.List(ctx, "memories/", 0)
	if err != nil {
		level.Warn(s.logger).Log("msg", "listing mirrored memories", "err", err)
		return
	}
	for _, info := range infos {
		raw, _, err := s.objects.Get(ctx, info.Key)
		if err != nil {
			continue
		}
		var m Memory
		if err := json.Unmarshal(raw, &m); err != nil {
			level.Warn(s.logger).Log("msg", "decoding mirrored memory", "key", info.Key, "err", err)
			continue
		}
		s.indexLocked(&m)
	}
	if len(s.memories) > 0 {
		level.Info(s.logger).Log("msg", "memories loaded", "count", len(s.memories))
	}
}

func (s *Store) indexLocked(m *Memory) {
	s.memories[m.ID] = m
	for _, tag := range m.Tags {
		if s.byTag[tag] == nil {
			s.byTag[tag] = map[string]struct{}{}
		}
		s.byTag[tag][m.ID] = struct{}{}
	}
	if s.byType[m.Type] == nil {
		s.byType[m.Type] = map[string]struct{}{}
	}
	s.byType[m.Type][m.ID] = struct{}{}
}

func (s *Store) unindexLocked(m *Memory) {
	delete(s.memories, m.ID)
	for _, tag := range m.Tags {
		delete(s.byTag[tag], m.ID)
	}
	delete(s.byType[m.Type], m.ID)
	for _, other := range m.Links {
		if o, ok := s.memories[other]; ok {
			o.Links = removeString(o.Links, m.ID)
		}
	}
}

func removeString(ss []string, x string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}

func (s *Store) mirror(m *Memory) {
	if s.objects == nil {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := s.objects.Put(context.Background(), "memories/"+m.ID, raw, "application/json",
		map[string]string{"memory_type": m.Type}); err != nil {
		level.Warn(s.logger).Log("msg", "mirroring memory", "memory", m.ID, "err", err)
	}
}

// Store deduplicates on content id: storing identical content returns the
// existing memory.
func (s *Store) Store(ctx context.Context, content map[string]any, memType string, importance, decayRate float64, tags []string) (*Memory, error) {
	id, err := ContentID(content)
	if err != nil {
		return nil, err
	}

	s.mtx.Lock()
	if existing, ok := s.memories[id]; ok {
		cp := *existing
		s.mtx.Unlock()
		return &cp, nil
	}
	m := &Memory{
		ID:           id,
		Content:      content,
		Type:         memType,
		Importance:   clamp01(importance),
		DecayRate:    decayRate,
		Tags:         tags,
		CreatedAt:    s.now(),
		LastAccessed: s.now(),
	}
	if s.embedder != nil {
		if text := contentText(content); text != "" {
			if vec, err := s.embedder(ctx, text); err == nil {
				m.Embedding = vec
			}
		}
	}
	s.indexLocked(m)
	s.mtx.Unlock()

	s.mirror(m)
	cp := *m
	return &cp, nil
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func contentText(content map[string]any) string {
	for _, key := range []string{"text", "content", "description", "message"} {
		if v, ok := content[key].(string); ok {
			return v
		}
	}
	raw, _ := json.Marshal(content)
	return string(raw)
}

// Get recalls one memory by id, boosting its importance.
func (s *Store) Get(id string) (*Memory, bool) {
	s.mtx.Lock()
	m, ok := s.memories[id]
	if !ok {
		s.mtx.Unlock()
		return nil, false
	}
	s.touchLocked(m)
	cp := *m
	s.mtx.Unlock()
	s.mirror(&cp)
	return &cp, true
}

func (s *Store) touchLocked(m *Memory) {
	m.AccessCount++
	m.LastAccessed = s.now()
	m.Importance = clamp01(m.Importance + accessBoost)
}

// Recall selects by tags (intersection) and type, then ranks: cosine
// similarity against the query when an embedder is configured, otherwise
// (importance, recency) descending. Every returned memory gets the access
// boost.
func (s *Store) Recall(ctx context.Context, opts RecallOptions) ([]*Memory, error) {
	var queryVec []float64
	if opts.Query != "" && s.embedder != nil {
		vec, err := s.embedder(ctx, opts.Query)
		if err != nil {
			level.Warn(s.logger).Log("msg", "embedding query", "err", err)
		} else {
			queryVec = vec
		}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	candidates := s.selectLocked(opts)
	if queryVec != nil {
		sort.SliceStable(candidates, func(i, j int) bool {
			return cosine(queryVec, candidates[i].Embedding) > cosine(queryVec, candidates[j].Embedding)
		})
	} else {
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Importance != candidates[j].Importance {
				return candidates[i].Importance > candidates[j].Importance
			}
			return candidates[i].LastAccessed.After(candidates[j].LastAccessed)
		})
	}
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	out := make([]*Memory, 0, len(candidates))
	for _, m := range candidates {
		s.touchLocked(m)
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) selectLocked(opts RecallOptions) []*Memory {
	var ids map[string]struct{}
	if len(opts.Tags) > 0 {
		// Intersection: every tag must index the memory.
		for i, tag := range opts.Tags {
			tagged := s.byTag[tag]
			if i == 0 {
				ids = map[string]struct{}{}
				for id := range tagged {
					ids[id] = struct{}{}
				}
				continue
			}
			for id := range ids {
				if _, ok := tagged[id]; !ok {
					delete(ids, id)
				}
			}
		}
	}

	var out []*Memory
	consider := func(m *Memory) {
		if opts.Type != "" && m.Type != opts.Type {
			return
		}
		out = append(out, m)
	}
	if ids != nil {
		for id := range ids {
			consider(s.memories[id])
		}
	} else {
		for _, m := range s.memories {
			consider(m)
		}
	}
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return -1
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ApplyDecay subtracts decay_rate * Δt (in hours) from every memory's
// importance, floored at zero.
func (s *Store) ApplyDecay(elapsed time.Duration) {
	hours := elapsed.Hours()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, m := range s.memories {
		m.Importance = math.Max(0, m.Importance-m.DecayRate*hours)
	}
}

// Forget bulk-removes memories below the importance threshold.
func (s *Store) Forget(belowImportance float64) int {
	s.mtx.Lock()
	var doomed []*Memory
	for _, m := range s.memories {
		if m.Importance < belowImportance {
			doomed = append(doomed, m)
		}
	}
	for _, m := range doomed {
		s.unindexLocked(m)
	}
	s.mtx.Unlock()

	for _, m := range doomed {
		if s.objects != nil {
			_ = s.objects.Delete(context.Background(), "memories/"+m.ID)
		}
	}
	if len(doomed) > 0 {
		level.Info(s.logger).Log("msg", "memories forgotten", "count", len(doomed))
	}
	return len(doomed)
}

// Link connects two memories symmetrically.
func (s *Store) Link(a, b string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ma, ok := s.memories[a]
	if !ok {
		return fmt.Errorf("memory %q not found", a)
	}
	mb, ok := s.memories[b]
	if !ok {
		return fmt.Errorf("memory %q not found", b)
	}
	if !containsString(ma.Links, b) {
		ma.Links = append(ma.Links, b)
	}
	if !containsString(mb.Links, a) {
		mb.Links = append(mb.Links, a)
	}
	return nil
}

func containsString(ss []string, x string) bool {
	for _, v := range ss {
		if v == x {
			return true
		}
	}
	return false
}

// Prioritize boosts one memory's importance explicitly.
func (s *Store) Prioritize(id string, boost float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("memory %q not found", id)
	}
	m.Importance = clamp01(m.Importance + boost)
	return nil
}

// Compress stores a summary memory linked to its sources and marks the
// sources as compressed by halving their importance.
func (s *Store) Compress(ctx context.Context, ids []string, summary map[string]any) (*Memory, error) {
	compressed, err := s.Store(ctx, summary, "compressed", 0.6, 0.01, []string{"compressed"})
	if err != nil {
		return nil, err
	}
	s.mtx.Lock()
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.Importance = m.Importance / 2
			if !containsString(m.Links, compressed.ID) {
				m.Links = append(m.Links, compressed.ID)
			}
			if c, ok := s.memories[compressed.ID]; ok && !containsString(c.Links, id) {
				c.Links = append(c.Links, id)
			}
		}
	}
	cp := *s.memories[compressed.ID]
	s.mtx.Unlock()
	return &cp, nil
}

// RegisterPattern stores a trigger pattern, validating any $regex
// conditions up front.
func (s *Store) RegisterPattern(name string, conditions, response map[string]any) (*Pattern, error) {
	for key, cond := range conditions {
		if expr, ok := regexCondition(cond); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("condition %q: invalid regex: %w", key, err)
			}
			s.mtx.Lock()
			s.regexps[expr] = re
			s.mtx.Unlock()
		}
	}
	p := &Pattern{
		ID:                "pat_" + patternID(name),
		Name:              name,
		TriggerConditions: conditions,
		Response:          response,
	}
	s.mtx.Lock()
	s.patterns[p.ID] = p
	cp := *p
	s.mtx.Unlock()
	return &cp, nil
}

func patternID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:12]
}

func regexCondition(cond any) (string, bool) {
	m, ok := cond.(map[string]any)
	if !ok {
		return "", false
	}
	expr, ok := m["$regex"].(string)
	return expr, ok
}

// MatchPatterns returns every pattern whose conditions all hold in the
// context: equality by default, regex test for {"$regex": expr} values.
func (s *Store) MatchPatterns(context map[string]any) []*Pattern {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var out []*Pattern
	for _, p := range s.patterns {
		if s.patternMatchesLocked(p, context) {
			p.MatchCount++
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) patternMatchesLocked(p *Pattern, context map[string]any) bool {
	for key, cond := range p.TriggerConditions {
		got, ok := context[key]
		if !ok {
			return false
		}
		if expr, isRegex := regexCondition(cond); isRegex {
			re, ok := s.regexps[expr]
			if !ok {
				var err error
				re, err = regexp.Compile(expr)
				if err != nil {
					return false
				}
				s.regexps[expr] = re
			}
			str, ok := got.(string)
			if !ok || !re.MatchString(str) {
				return false
			}
			continue
		}
		if got != cond {
			return false
		}
	}
	return true
}

// Stats summarizes the store.
func (s *Store) Stats() map[string]any {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	byType := map[string]int{}
	total := 0.0
	for _, m := range s.memories {
		byType[m.Type]++
		total += m.Importance
	}
	avg := 0.0
	if len(s.memories) > 0 {
		avg = total / float64(len(s.memories))
	}
	return map[string]any{
		"total_memories": len(s.memories),
		"by_type":        byType,
		"avg_importance": avg,
		"patterns":       len(s.patterns),
		"tags":           len(s.byTag),
	}
}
