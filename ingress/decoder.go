package ingress

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrMalformedPayload = errors.New("ingress: malformed webhook payload")

// PushEvent is the subset of a GitHub-shaped push payload the dispatcher
// needs.
type PushEvent struct {
	Owner    string
	Repo     string
	Branch   string
	SHA      string
	CloneURL string
	Pusher   string
}

// IsPing reports whether raw looks like a ping event carrying no
// push payload; ping events are accepted and produce no task.
func IsPing(raw rawPayload) bool {
	return raw.Ref == "" && raw.Zen != ""
}

type rawRepository struct {
	Name  string `json:"name"`
	Owner struct {
		Name  string `json:"name"`
		Login string `json:"login"`
	} `json:"owner"`
	CloneURL string `json:"clone_url"`
}

type rawPusher struct {
	Name string `json:"name"`
}

type rawPayload struct {
	Ref        string         `json:"ref"`
	After      string         `json:"after"`
	Repository rawRepository  `json:"repository"`
	Pusher     rawPusher      `json:"pusher"`
	Zen        string         `json:"zen"`
}

// DecodePush parses a push webhook body into a PushEvent. Ping events (no
// "ref") are recognized and returned with ok=false, nil err, so callers can
// accept the request without scheduling any task.
func DecodePush(body []byte) (event PushEvent, ok bool, err error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return PushEvent{}, false, ErrMalformedPayload
	}

	if IsPing(raw) {
		return PushEvent{}, false, nil
	}

	branch, isBranch := strings.CutPrefix(raw.Ref, "refs/heads/")
	if raw.Ref == "" || !isBranch {
		return PushEvent{}, false, ErrMalformedPayload
	}
	if raw.After == "" {
		return PushEvent{}, false, ErrMalformedPayload
	}
	if raw.Repository.Name == "" {
		return PushEvent{}, false, ErrMalformedPayload
	}
	owner := raw.Repository.Owner.Name
	if owner == "" {
		owner = raw.Repository.Owner.Login
	}
	if owner == "" {
		return PushEvent{}, false, ErrMalformedPayload
	}
	if raw.Repository.CloneURL == "" {
		return PushEvent{}, false, ErrMalformedPayload
	}

	return PushEvent{
		Owner:    owner,
		Repo:     raw.Repository.Name,
		Branch:   branch,
		SHA:      raw.After,
		CloneURL: raw.Repository.CloneURL,
		Pusher:   raw.Pusher.Name,
	}, true, nil
}
