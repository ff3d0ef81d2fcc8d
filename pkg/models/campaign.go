package models

import (
	"maps"
	"slices"
	"time"
)

// ── Campaign Stages ──────────────────────────────────────────

// Stage tags a unit of campaign work completed by an agent.
type Stage string

const (
	StageBusinessAnalysis Stage = "business_analysis"
	StageContentStrategy  Stage = "content_strategy"
	StageVisualGuidance   Stage = "visual_guidance"
	StageImageGeneration  Stage = "image_generation"
	StageVideoGeneration  Stage = "video_generation"
	StageContentReview    Stage = "content_review"
	StagePublishing       Stage = "publishing"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageBusinessAnalysis, StageContentStrategy, StageVisualGuidance,
		StageImageGeneration, StageVideoGeneration, StageContentReview, StagePublishing:
		return true
	}
	return false
}

// ── Campaign Context ─────────────────────────────────────────

// CampaignContext is the versioned aggregate holding everything agents have
// learned and produced for one campaign.
//
// Version increases by exactly one per committed write. GenerationHistory is
// append-only. CompletedStages and ActiveAgents behave as sets but keep
// insertion order so the encoded form is deterministic.
type CampaignContext struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUpdated time.Time         `json:"last_updated"`
	Version     int64             `json:"version"`
	Metadata    map[string]string `json:"metadata"`

	BusinessAnalysis *BusinessAnalysis `json:"business_analysis,omitempty"`
	ContentStrategy  *ContentStrategy  `json:"content_strategy,omitempty"`
	VisualGuidance   *VisualGuidance   `json:"visual_guidance,omitempty"`

	GenerationHistory []GenerationEvent `json:"generation_history"`
	CompletedStages   []Stage           `json:"completed_stages"`
	ActiveAgents      []string          `json:"active_agents"`
	Persistent        bool              `json:"persistent"`
}

// BusinessAnalysis is the output of the business-analysis agent.
type BusinessAnalysis struct {
	CompanyName            string          `json:"company_name"`
	Industry               string          `json:"industry,omitempty"`
	BusinessDescription    string          `json:"business_description,omitempty"`
	TargetAudience         string          `json:"target_audience,omitempty"`
	BrandVoice             string          `json:"brand_voice,omitempty"`
	CompetitivePositioning string          `json:"competitive_positioning,omitempty"`
	KeyMessages            []string        `json:"key_messages"`
	Product                *ProductContext `json:"product,omitempty"`
	CampaignObjective      string          `json:"campaign_objective,omitempty"`
	Confidence             float64         `json:"confidence,omitempty"`
	AnalyzedAt             time.Time       `json:"analyzed_at"`
}

// ProductContext describes the product a campaign promotes.
type ProductContext struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ContentStrategy is the plan the content agent produces.
type ContentStrategy struct {
	Themes         []string          `json:"themes"`
	PostTypes      []string          `json:"post_types"`
	Platforms      []string          `json:"platforms"`
	PostingCadence string            `json:"posting_cadence,omitempty"`
	ToneGuidelines string            `json:"tone_guidelines,omitempty"`
	ContentPillars []string          `json:"content_pillars"`
	Hashtags       []string          `json:"hashtags"`
	PlatformNotes  map[string]string `json:"platform_notes"`
}

// VisualGuidance constrains image and video generation for a campaign.
type VisualGuidance struct {
	ImageStyle      string            `json:"image_style,omitempty"`
	ColorPalette    []string          `json:"color_palette"`
	VisualThemes    []string          `json:"visual_themes"`
	BrandRules      []string          `json:"brand_rules"`
	VideoStyle      string            `json:"video_style,omitempty"`
	AspectRatios    map[string]string `json:"aspect_ratios"` // platform → ratio
	NegativePrompts []string          `json:"negative_prompts"`
}

// GenerationEvent records one stage attempt. Never mutated after append.
type GenerationEvent struct {
	ID        string            `json:"id"`
	Stage     Stage             `json:"stage"`
	Agent     string            `json:"agent"`
	Timestamp time.Time         `json:"timestamp"`
	Success   bool              `json:"success"`
	Duration  *time.Duration    `json:"duration,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata"`
}

// NewCampaignContext returns an empty context stamped with now.
func NewCampaignContext(id string, metadata map[string]string, now time.Time) *CampaignContext {
	now = now.UTC()
	return &CampaignContext{
		ID:          id,
		CreatedAt:   now,
		LastUpdated: now,
		Metadata:    cloneStringMap(metadata),
		Persistent:  true,
	}
}

// HasStage reports whether stage has been completed.
func (c *CampaignContext) HasStage(stage Stage) bool {
	return slices.Contains(c.CompletedStages, stage)
}

// AddStage marks stage as completed. Returns false if it already was.
func (c *CampaignContext) AddStage(stage Stage) bool {
	if c.HasStage(stage) {
		return false
	}
	c.CompletedStages = append(c.CompletedStages, stage)
	return true
}

// AddActiveAgent records agent as working on the campaign.
func (c *CampaignContext) AddActiveAgent(agent string) bool {
	if slices.Contains(c.ActiveAgents, agent) {
		return false
	}
	c.ActiveAgents = append(c.ActiveAgents, agent)
	return true
}

// RemoveActiveAgent drops agent from the active set.
func (c *CampaignContext) RemoveActiveAgent(agent string) bool {
	i := slices.Index(c.ActiveAgents, agent)
	if i < 0 {
		return false
	}
	c.ActiveAgents = slices.Delete(c.ActiveAgents, i, i+1)
	return true
}

// Clone returns a deep copy. Cached contexts are handed out as clones so
// callers can mutate freely before saving.
func (c *CampaignContext) Clone() *CampaignContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata = cloneStringMap(c.Metadata)
	out.BusinessAnalysis = c.BusinessAnalysis.Clone()
	out.ContentStrategy = c.ContentStrategy.Clone()
	out.VisualGuidance = c.VisualGuidance.Clone()
	if c.GenerationHistory != nil {
		out.GenerationHistory = make([]GenerationEvent, len(c.GenerationHistory))
		for i := range c.GenerationHistory {
			out.GenerationHistory[i] = c.GenerationHistory[i].Clone()
		}
	}
	out.CompletedStages = slices.Clone(c.CompletedStages)
	out.ActiveAgents = slices.Clone(c.ActiveAgents)
	return &out
}

// Clone returns a deep copy of the analysis.
func (b *BusinessAnalysis) Clone() *BusinessAnalysis {
	if b == nil {
		return nil
	}
	out := *b
	out.KeyMessages = slices.Clone(b.KeyMessages)
	if b.Product != nil {
		p := *b.Product
		out.Product = &p
	}
	return &out
}

// Clone returns a deep copy of the strategy.
func (s *ContentStrategy) Clone() *ContentStrategy {
	if s == nil {
		return nil
	}
	out := *s
	out.Themes = slices.Clone(s.Themes)
	out.PostTypes = slices.Clone(s.PostTypes)
	out.Platforms = slices.Clone(s.Platforms)
	out.ContentPillars = slices.Clone(s.ContentPillars)
	out.Hashtags = slices.Clone(s.Hashtags)
	out.PlatformNotes = cloneStringMap(s.PlatformNotes)
	return &out
}

// Clone returns a deep copy of the guidance.
func (v *VisualGuidance) Clone() *VisualGuidance {
	if v == nil {
		return nil
	}
	out := *v
	out.ColorPalette = slices.Clone(v.ColorPalette)
	out.VisualThemes = slices.Clone(v.VisualThemes)
	out.BrandRules = slices.Clone(v.BrandRules)
	out.AspectRatios = cloneStringMap(v.AspectRatios)
	out.NegativePrompts = slices.Clone(v.NegativePrompts)
	return &out
}

// Clone returns a deep copy of the event.
func (e GenerationEvent) Clone() GenerationEvent {
	out := e
	if e.Duration != nil {
		d := *e.Duration
		out.Duration = &d
	}
	out.Metadata = cloneStringMap(e.Metadata)
	return out
}

// Equal reports whether e and o describe the same recorded attempt.
// Timestamps compare by instant, not by location.
func (e GenerationEvent) Equal(o GenerationEvent) bool {
	if e.ID != o.ID || e.Stage != o.Stage || e.Agent != o.Agent ||
		e.Success != o.Success || e.Error != o.Error {
		return false
	}
	if !e.Timestamp.Equal(o.Timestamp) || !maps.Equal(e.Metadata, o.Metadata) {
		return false
	}
	if e.Duration == nil || o.Duration == nil {
		return e.Duration == o.Duration
	}
	return *e.Duration == *o.Duration
}

// NormalizeTimes moves every timestamp in the context, its documents and
// its history to UTC. JSON keeps the offset but not the zone, so only UTC
// values decode back to an identical time.Time.
func (c *CampaignContext) NormalizeTimes() {
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastUpdated = c.LastUpdated.UTC()
	if c.BusinessAnalysis != nil {
		c.BusinessAnalysis.AnalyzedAt = c.BusinessAnalysis.AnalyzedAt.UTC()
	}
	for i := range c.GenerationHistory {
		c.GenerationHistory[i].Timestamp = c.GenerationHistory[i].Timestamp.UTC()
	}
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
