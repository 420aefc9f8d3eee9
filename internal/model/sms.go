package model

// SMS is the body posted to an SMS provider.
type SMS struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}
