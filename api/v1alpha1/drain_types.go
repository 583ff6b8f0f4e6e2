package v1alpha1

import metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

// +kubebuilder:validation:Enum=Pending;Resolving;Requesting;Converging;Done;Partial;Failed
type DrainPhase string

const (
	DrainPhasePending    DrainPhase = "Pending"
	DrainPhaseResolving  DrainPhase = "Resolving"
	DrainPhaseRequesting DrainPhase = "Requesting"
	DrainPhaseConverging DrainPhase = "Converging"
	DrainPhaseDone       DrainPhase = "Done"
	DrainPhasePartial    DrainPhase = "Partial"
	DrainPhaseFailed     DrainPhase = "Failed"
)

func (p DrainPhase) Terminal() bool {
	return p == DrainPhaseDone || p == DrainPhasePartial || p == DrainPhaseFailed
}

type MembershipReport struct {
	Collection string `json:"collection"`
	Identity   string `json:"identity"`
	Health     string `json:"health,omitempty"`
	// +optional
	Error string `json:"error,omitempty"`
}

// DrainReport is the serializable summary of one drain run.
type DrainReport struct {
	Source   string     `json:"source"`
	Identity string     `json:"identity"`
	Phase    DrainPhase `json:"phase"`

	Confirmed []MembershipReport `json:"confirmed,omitempty"`
	Pending   []MembershipReport `json:"pending,omitempty"`
	Rejected  []MembershipReport `json:"rejected,omitempty"`

	Rounds   int             `json:"rounds"`
	Duration metav1.Duration `json:"duration"`
	// +optional
	LastError string `json:"lastError,omitempty"`
}

// HandleReport is what a single lifecycle notification produced.
type HandleReport struct {
	Action   LifecycleAction `json:"action"`
	NodeName string          `json:"nodeName,omitempty"`
	Result   LifecycleResult `json:"result,omitempty"`
	Ignored  bool            `json:"ignored,omitempty"`
	Drains   []DrainReport   `json:"drains,omitempty"`
	// +optional
	Note string `json:"note,omitempty"`
}
