package types

// StreamFrameBuffer is the capacity of adapter frame channels. Not
// reading from the channel propagates backpressure to the provider
// connection.
const StreamFrameBuffer = 32

// ToolCallFragment is an incremental piece of a streamed tool call.
// Fragments with the same Index belong to the same call; Arguments
// concatenate in arrival order.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamFrame is one normalized chunk of a streaming response. A stream
// is a strictly ordered sequence of frames terminated by exactly one
// frame with Final set, which carries usage. A frame with Err set is
// terminal and closes the stream.
type StreamFrame struct {
	Delta        string            `json:"delta,omitempty"`
	ToolFragment *ToolCallFragment `json:"tool_fragment,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Final        bool              `json:"final,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	Err          error             `json:"-"`
}
