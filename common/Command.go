package common

// Command is a request received on the command bridge: Action names the operation,
// NodeId the target node, Via the networking nodes in between.
type Command struct {
	Action  string      `json:"action" validate:"required"`
	NodeId  string      `json:"nodeId" validate:"required,max=36"`
	Via     []string    `json:"via,omitempty" validate:"omitempty,dive,required,max=36"`
	Payload interface{} `json:"payload"`
}
