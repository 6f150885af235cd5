package server

// LayerSummary describes one quantized layer of the served artifact.
type LayerSummary struct {
	Name         string `json:"name"`
	OutFeatures  int    `json:"out_features"`
	InFeatures   int    `json:"in_features"`
	GroupSize    int    `json:"group_size"`
	NumCodebooks int    `json:"num_codebooks"`
	Bits         int    `json:"bits"`
	Scheme       string `json:"scheme"`
	DType        string `json:"dtype"`
}

// ModelResponse is the payload of GET /v1/model.
type ModelResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Producer    string         `json:"producer,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	SourceModel string         `json:"source_model,omitempty"`
	Layers      []LayerSummary `json:"layers"`
}

// MatMulRequest is the body of POST /v1/layers/:name/matmul. Input is a
// batch of activation rows; every row must have in_features elements.
type MatMulRequest struct {
	Input [][]float32 `json:"input"`
}

// MatMulResponse carries the product back, one output row per input row.
type MatMulResponse struct {
	RequestID string      `json:"request_id"`
	Layer     string      `json:"layer"`
	Shape     []int       `json:"shape"`
	Output    [][]float32 `json:"output"`
}

// ErrorBody is the uniform error envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
