package domain

// Intent is the classified meaning of a user decision at a stage gate.
type Intent string

const (
	IntentAmbiguous      Intent = "ambiguous"
	IntentApprove        Intent = "approve"
	IntentRevise         Intent = "revise"
	IntentAccept         Intent = "accept"
	IntentAdditionalWork Intent = "additional_work"
	IntentNewRequest     Intent = "new_request"
)
