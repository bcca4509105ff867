package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TRA is a Task Risk Analysis document. Task steps are stored as a JSON
// document column; this struct is the canonical in-memory shape.
type TRA struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Framework   string     `json:"compliance_framework" enum:"vca,iso45001"`
	Status      string     `json:"status" enum:"draft,submitted,in_review,approved,rejected,active,expired,archived"`
	TaskSteps   []TaskStep `json:"task_steps"`
	ValidFrom   *string    `json:"valid_from,omitempty" format:"date-time"`
	ValidUntil  *string    `json:"valid_until,omitempty" format:"date-time"`
	ArchivedAt  *string    `json:"archived_at,omitempty" format:"date-time"`
	Version     int64      `json:"version"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type TaskStep struct {
	StepNumber  int      `json:"step_number"`
	Description string   `json:"description"`
	Hazards     []Hazard `json:"hazards"`
}

type Hazard struct {
	ID          string           `json:"id"`
	Category    string           `json:"category"`
	Description string           `json:"description"`
	Effect      float64          `json:"effect"`
	Exposure    float64          `json:"exposure"`
	Probability float64          `json:"probability"`
	RiskScore   float64          `json:"risk_score,omitempty"`
	RiskLevel   string           `json:"risk_level,omitempty" enum:"trivial,acceptable,possible,substantial,high,very_high"`
	Controls    []ControlMeasure `json:"control_measures"`
	Residual    *ResidualRisk    `json:"residual_risk,omitempty"`
}

// ResidualRisk captures the re-scored factors after controls are planned.
type ResidualRisk struct {
	Effect      float64 `json:"effect"`
	Exposure    float64 `json:"exposure"`
	Probability float64 `json:"probability"`
	RiskScore   float64 `json:"risk_score,omitempty"`
	RiskLevel   string  `json:"risk_level,omitempty" enum:"trivial,acceptable,possible,substantial,high,very_high"`
}

type ControlMeasure struct {
	Type        string `json:"type" enum:"elimination,substitution,engineering,administrative,ppe"`
	Description string `json:"description"`
	Responsible string `json:"responsible,omitempty"`
	Status      string `json:"status" enum:"planned,implemented,verified"`
}

type ApprovalWorkflow struct {
	ID          string         `json:"id"`
	TRAID       string         `json:"tra_id"`
	CurrentStep int            `json:"current_step"`
	Status      string         `json:"status" enum:"pending,completed,rejected"`
	Steps       []ApprovalStep `json:"steps"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type ApprovalStep struct {
	StepNumber   int      `json:"step_number"`
	RequiredRole string   `json:"required_role"`
	ApproverIDs  []string `json:"approver_ids"`
	Status       string   `json:"status" enum:"pending,approved,rejected,skipped"`
	DecidedBy    *string  `json:"decided_by,omitempty"`
	DecidedAt    *string  `json:"decided_at,omitempty" format:"date-time"`
	Comments     string   `json:"comments,omitempty"`
}

// LMRASession is one field execution of an active TRA. Once completed it is
// immutable except for append-only annotations.
type LMRASession struct {
	ID                string                `json:"id"`
	TRAID             string                `json:"tra_id"`
	OrgID             string                `json:"org_id"`
	Stage             string                `json:"stage" enum:"location_pending,environment_pending,personnel_pending,equipment_pending,hazard_review_pending,decision_pending,documentation_pending,signature_pending,completed"`
	Location          *LocationVerification `json:"location,omitempty"`
	Weather           *WeatherSnapshot      `json:"weather,omitempty"`
	TeamMembers       []TeamMember          `json:"team_members"`
	EnvironmentChecks []Check               `json:"environment_checks,omitempty"`
	Equipment         []EquipmentItem       `json:"equipment,omitempty"`
	ReviewedHazardIDs []string              `json:"reviewed_hazard_ids,omitempty"`
	Photos            []Photo               `json:"photos,omitempty"`
	OverallAssessment *string               `json:"overall_assessment,omitempty" enum:"safe_to_proceed,proceed_with_caution,stop_work"`
	StopWorkReason    *string               `json:"stop_work_reason,omitempty"`
	StopWorkAt        *string               `json:"stop_work_at,omitempty" format:"date-time"`
	Documentation     *string               `json:"documentation,omitempty"`
	Signatures        []Signature           `json:"signatures,omitempty"`
	Annotations       []Annotation          `json:"annotations,omitempty"`
	CompletedAt       *string               `json:"completed_at,omitempty" format:"date-time"`
	Version           int64                 `json:"version"`
	CreatedAt         string                `json:"created_at" format:"date-time"`
	UpdatedAt         string                `json:"updated_at" format:"date-time"`
}

type LocationVerification struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters"`
	Status         string  `json:"status" enum:"verified,approximate"`
	OverrideReason string  `json:"override_reason,omitempty"`
}

type WeatherSnapshot struct {
	TemperatureC float64 `json:"temperature_c"`
	WindSpeedMS  float64 `json:"wind_speed_ms"`
	Conditions   string  `json:"conditions,omitempty"`
	CapturedAt   string  `json:"captured_at" format:"date-time"`
}

type TeamMember struct {
	ActorID      string       `json:"actor_id"`
	Name         string       `json:"name,omitempty"`
	CheckedIn    bool         `json:"checked_in"`
	Competencies []Competency `json:"competencies,omitempty"`
}

type Competency struct {
	Name      string  `json:"name"`
	Status    string  `json:"status" enum:"verified,unverified,expired"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
}

type Check struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Passed   bool   `json:"passed"`
	Notes    string `json:"notes,omitempty"`
}

type EquipmentItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Status   string `json:"status" enum:"available,unavailable,damaged,expired"`
}

type Photo struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
	URL     string `json:"url"`
	TakenAt string `json:"taken_at" format:"date-time"`
}

type Signature struct {
	ActorID  string `json:"actor_id"`
	SignedAt string `json:"signed_at" format:"date-time"`
}

// Annotation is an append-only audit note on a completed session.
type Annotation struct {
	ActorID string `json:"actor_id"`
	Text    string `json:"text"`
	TS      string `json:"ts" format:"date-time"`
}

// OfflineMutation is a client-queued partial session update. Scalar fields
// are last-writer-wins by Seq; list fields merge by item id.
type OfflineMutation struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Payload   MutationPayload `json:"payload"`
	QueuedAt  string          `json:"queued_at" format:"date-time"`
}

type MutationPayload struct {
	OverallAssessment *string         `json:"overall_assessment,omitempty" enum:"safe_to_proceed,proceed_with_caution,stop_work"`
	StopWorkReason    *string         `json:"stop_work_reason,omitempty"`
	StopWorkAt        *string         `json:"stop_work_at,omitempty" format:"date-time"`
	Documentation     *string         `json:"documentation,omitempty"`
	Photos            []Photo         `json:"photos,omitempty"`
	EnvironmentChecks []Check         `json:"environment_checks,omitempty"`
	Equipment         []EquipmentItem `json:"equipment,omitempty"`
}

type Event struct {
	ID                 int64  `json:"id"`
	TS                 string `json:"ts" format:"date-time"`
	Type               string `json:"type"`
	Severity           string `json:"severity" enum:"info,warning,critical"`
	OrgID              string `json:"org_id,omitempty"`
	EntityKind         string `json:"entity_kind"`
	EntityID           string `json:"entity_id,omitempty"`
	ActorID            string `json:"actor_id"`
	ComplianceRelevant bool   `json:"compliance_relevant"`
	Payload            string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
