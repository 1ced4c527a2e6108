package targets

import "encoding/json"

// targetInfo mirrors the subset of CDP's TargetInfo that Target.getTargets
// and the targetCreated/targetInfoChanged events expose.
type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

func marshalTargetInfo(t *Target) (json.RawMessage, error) {
	return marshalJSON(map[string]targetInfo{
		"targetInfo": {
			TargetID: t.TargetID,
			Type:     t.Type,
			Title:    t.Title,
			URL:      t.URL,
			Attached: t.Attached,
		},
	})
}

func marshalJSON(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
