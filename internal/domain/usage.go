package domain

// Usage is an accumulated token count for one or more model calls
type Usage struct {
	InputTokens  int `json:"promptTokens"`
	OutputTokens int `json:"completionTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add returns the sum of u and o
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// Cost is a monetary estimate derived from Usage
type Cost struct {
	USD float64 `json:"usd"`
	EUR float64 `json:"eur"`
}
