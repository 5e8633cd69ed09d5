package agui

// Human-in-the-loop sub-events travel as CUSTOM events whose name matches the
// payload's own "name" field.
const (
	CustomConfirmationRequest  = "confirmation_request"
	CustomConfirmationResponse = "confirmation_response"
	CustomProgressUpdate       = "progress_update"
	CustomThinkingStart        = "thinking_start"
	CustomThinkingContent      = "thinking_content"
	CustomThinkingEnd          = "thinking_end"
)

type ConfirmationRequest struct {
	Name           string         `json:"name"`
	ConfirmationID string         `json:"confirmationId"`
	ActionName     string         `json:"actionName"`
	Args           map[string]any `json:"args"`
	Message        string         `json:"message"`
}

type ConfirmationResponse struct {
	Name           string `json:"name"`
	ConfirmationID string `json:"confirmationId"`
	Confirmed      bool   `json:"confirmed"`
}

type ProgressUpdate struct {
	Name     string  `json:"name"`
	Step     string  `json:"step"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

type ThinkingMarker struct {
	Name       string `json:"name"`
	ThinkingID string `json:"thinkingId"`
	Delta      string `json:"delta,omitempty"`
}

func NewConfirmationRequest(confirmationID, actionName string, args map[string]any, message string) Custom {
	if args == nil {
		args = map[string]any{}
	}
	return NewCustom(CustomConfirmationRequest, ConfirmationRequest{
		Name:           CustomConfirmationRequest,
		ConfirmationID: confirmationID,
		ActionName:     actionName,
		Args:           args,
		Message:        message,
	})
}

func NewConfirmationResponse(confirmationID string, confirmed bool) Custom {
	return NewCustom(CustomConfirmationResponse, ConfirmationResponse{
		Name:           CustomConfirmationResponse,
		ConfirmationID: confirmationID,
		Confirmed:      confirmed,
	})
}

// NewProgressUpdate clamps progress into [0, 1].
func NewProgressUpdate(step string, progress float64, message string) Custom {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return NewCustom(CustomProgressUpdate, ProgressUpdate{
		Name:     CustomProgressUpdate,
		Step:     step,
		Progress: progress,
		Message:  message,
	})
}

func NewThinkingStart(thinkingID string) Custom {
	return NewCustom(CustomThinkingStart, ThinkingMarker{Name: CustomThinkingStart, ThinkingID: thinkingID})
}

func NewThinkingContent(thinkingID, delta string) Custom {
	return NewCustom(CustomThinkingContent, ThinkingMarker{Name: CustomThinkingContent, ThinkingID: thinkingID, Delta: delta})
}

func NewThinkingEnd(thinkingID string) Custom {
	return NewCustom(CustomThinkingEnd, ThinkingMarker{Name: CustomThinkingEnd, ThinkingID: thinkingID})
}
