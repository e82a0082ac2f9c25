package api

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type ErrorResponse struct {
	Error     ResponseError `json:"error"`
	RequestID string        `json:"request_id,omitempty"`
}

type InfoResponse struct {
	Backend     string   `json:"backend"`
	Workers     int      `json:"workers"`
	CPUFeatures []string `json:"cpu_features"`
	Store       string   `json:"store,omitempty"`
	Capacity    int      `json:"dispatch_capacity"`
	Bytes       int64    `json:"bytes"`
}

type ProjectionDTO struct {
	Name    string `json:"name"`
	Experts int    `json:"experts"`
	In      int    `json:"in"`
	Out     int    `json:"out"`
	Buckets int    `json:"buckets"`
	Bytes   int64  `json:"bytes"`
}

type ProjectionsResponse struct {
	Object string          `json:"object"`
	Data   []ProjectionDTO `json:"data"`
}

type MulRequest struct {
	Expert  int       `json:"expert"`
	Quant   *float32  `json:"quant,omitempty"`
	Vector  []float32 `json:"vector"`
	Compare bool      `json:"compare,omitempty"`
}

type MulResponse struct {
	RequestID    string    `json:"request_id"`
	Projection   string    `json:"projection"`
	Expert       int       `json:"expert"`
	Quant        float32   `json:"quant"`
	Cutoff       float32   `json:"cutoff"`
	Dispatched   int       `json:"dispatched"`
	KeptFraction float64   `json:"kept_fraction"`
	Output       []float32 `json:"output"`
	RelError     *float64  `json:"relative_error,omitempty"`
	ElapsedMS    float64   `json:"elapsed_ms"`
}
