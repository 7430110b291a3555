package domain

type ExpectationType string

const (
	TypeDetection     ExpectationType = "DETECTION"
	TypePrevention    ExpectationType = "PREVENTION"
	TypeVulnerability ExpectationType = "VULNERABILITY"
	TypeManual        ExpectationType = "MANUAL"
	TypeArticle       ExpectationType = "ARTICLE"
	TypeChallenge     ExpectationType = "CHALLENGE"
	TypeDocument      ExpectationType = "DOCUMENT"
	TypeText          ExpectationType = "TEXT"
)

// TechnicalTypes are the kinds the expiration sweeper handles.
var TechnicalTypes = []ExpectationType{TypeDetection, TypePrevention, TypeVulnerability, TypeManual}

func (t ExpectationType) Valid() bool {
	switch t {
	case TypeDetection, TypePrevention, TypeVulnerability, TypeManual,
		TypeArticle, TypeChallenge, TypeDocument, TypeText:
		return true
	}
	return false
}

// HumanResponse reports whether records of this type keep a single grader verdict.
func (t ExpectationType) HumanResponse() bool {
	switch t {
	case TypeManual, TypeArticle, TypeChallenge, TypeDocument, TypeText:
		return true
	}
	return false
}

// Technical reports whether the type targets agents/assets rather than players.
func (t ExpectationType) Technical() bool {
	switch t {
	case TypeDetection, TypePrevention, TypeVulnerability, TypeManual:
		return true
	}
	return false
}

type Expectation struct {
	ID             string          `json:"id"`
	InjectID       string          `json:"inject_id"`
	Type           ExpectationType `json:"type" enum:"DETECTION,PREVENTION,VULNERABILITY,MANUAL,ARTICLE,CHALLENGE,DOCUMENT,TEXT"`
	Name           string          `json:"name,omitempty"`
	Description    string          `json:"description,omitempty"`
	ExpectedScore  float64         `json:"expected_score"`
	Score          *float64        `json:"score,omitempty"`
	IsGroup        bool            `json:"is_group"`
	ExpirationTime int             `json:"expiration_time"`
	AgentID        *string         `json:"agent_id,omitempty"`
	AssetID        *string         `json:"asset_id,omitempty"`
	AssetGroupID   *string         `json:"asset_group_id,omitempty"`
	UserID         *string         `json:"user_id,omitempty"`
	TeamID         *string         `json:"team_id,omitempty"`
	Results        []Result        `json:"results"`
	Version        int64           `json:"version"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// Resolved reports whether the expectation carries a concrete score.
func (e Expectation) Resolved() bool {
	return e.Score != nil
}

// ResultFrom returns the result contributed by sourceID, if any.
func (e Expectation) ResultFrom(sourceID string) (Result, bool) {
	for _, r := range e.Results {
		if r.SourceID == sourceID {
			return r, true
		}
	}
	return Result{}, false
}

type Result struct {
	SourceID       string  `json:"source_id"`
	SourceType     string  `json:"source_type,omitempty"`
	SourceName     string  `json:"source_name,omitempty"`
	SourcePlatform string  `json:"source_platform,omitempty"`
	Score          float64 `json:"score"`
	Result         string  `json:"result"`
	Date           string  `json:"date" format:"date-time"`
}

type SignatureKind string

const (
	SignatureStart SignatureKind = "start"
	SignatureEnd   SignatureKind = "end"
)

type Signature struct {
	InjectID string        `json:"inject_id"`
	AgentID  string        `json:"agent_id"`
	Kind     SignatureKind `json:"kind" enum:"start,end"`
	At       string        `json:"at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	InjectID   string `json:"inject_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
