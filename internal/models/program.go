// internal/models/program.go
package models

// QuestionRef points a block at a question by its stable name. The question
// must have a revision in the same version as the program revision; publish
// enforces this.
type QuestionRef struct {
	QuestionName string `json:"questionName"`
	Optional     bool   `json:"optional,omitempty"`
}

// BlockDefinition is one screen of a program. Visibility controls whether
// the block appears in the navigable sequence at all; Eligibility computes
// the may/may-not-qualify signal and, when Gating, blocks final submission.
type BlockDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Questions   []QuestionRef  `json:"questions"`
	Visibility  *PredicateNode `json:"visibility,omitempty"`
	Eligibility *PredicateNode `json:"eligibility,omitempty"`
	Gating      bool           `json:"gating,omitempty"`
}

// RequiredQuestions returns the names of non-optional, non-static questions
// on the block.
func (b *BlockDefinition) RequiredQuestions(types map[string]QuestionType) []string {
	var out []string
	for _, ref := range b.Questions {
		if ref.Optional {
			continue
		}
		if types[ref.QuestionName] == QuestionStatic {
			continue
		}
		out = append(out, ref.QuestionName)
	}
	return out
}

// DisplayMode controls how a program is surfaced to applicants.
type DisplayMode string

const (
	DisplayPublic      DisplayMode = "public"
	DisplayHidden      DisplayMode = "hidden"
	DisplayTrustedOnly DisplayMode = "trusted_intermediary_only"
)

// ProgramRevision is the content of one program within one version.
type ProgramRevision struct {
	Slug        string      `json:"slug"`
	VersionID   string      `json:"versionId"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	DisplayMode DisplayMode `json:"displayMode"`
	// ExternalLink marks programs whose application happens off-platform.
	ExternalLink   string            `json:"externalLink,omitempty"`
	IsCommonIntake bool              `json:"isCommonIntake,omitempty"`
	Blocks         []BlockDefinition `json:"blocks"`
}

// Block returns the block with the given id.
func (p *ProgramRevision) Block(id string) (*BlockDefinition, bool) {
	for i := range p.Blocks {
		if p.Blocks[i].ID == id {
			return &p.Blocks[i], true
		}
	}
	return nil, false
}

// ReferencedQuestionNames returns the distinct question names referenced by
// any block, in first-reference order. Predicate leaf references count: a
// predicate pointing at a question missing from the version is the same
// integrity violation as a dangling form reference.
func (p *ProgramRevision) ReferencedQuestionNames() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, block := range p.Blocks {
		for _, ref := range block.Questions {
			add(ref.QuestionName)
		}
		for _, pred := range []*PredicateNode{block.Visibility, block.Eligibility} {
			if pred == nil {
				continue
			}
			for _, leaf := range pred.Leaves() {
				add(leaf.QuestionName)
			}
		}
	}
	return out
}

// Clone returns a deep copy bound to the given version.
func (p *ProgramRevision) Clone(versionID string) *ProgramRevision {
	cp := *p
	cp.VersionID = versionID
	cp.Blocks = make([]BlockDefinition, len(p.Blocks))
	for i, block := range p.Blocks {
		nb := block
		nb.Questions = append([]QuestionRef(nil), block.Questions...)
		if block.Visibility != nil {
			v := block.Visibility.Clone()
			nb.Visibility = &v
		}
		if block.Eligibility != nil {
			e := block.Eligibility.Clone()
			nb.Eligibility = &e
		}
		cp.Blocks[i] = nb
	}
	return &cp
}
