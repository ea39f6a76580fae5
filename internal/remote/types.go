package remote

// Change carries the encrypted state of one container. Data is opaque to
// the server.
type Change struct {
	Container string `json:"container"`
	Seq       int64  `json:"seq,omitempty"`
	Version   int64  `json:"version,omitempty"`
	Data      []byte `json:"data"`
}

// PushRequest uploads locally changed containers.
type PushRequest struct {
	Device  string   `json:"device"`
	Changes []Change `json:"changes"`
}

// Ack confirms that the server stored seq for a container as version.
type Ack struct {
	Container string `json:"container"`
	Seq       int64  `json:"seq"`
	Version   int64  `json:"version"`
}

// PushResponse lists the accepted changes.
type PushResponse struct {
	Accepted []Ack `json:"accepted"`
	Version  int64 `json:"version"`
}

// PullRequest asks for container updates newer than Since.
type PullRequest struct {
	Device string `json:"device"`
	Since  int64  `json:"since"`
	Limit  int    `json:"limit"`
}

// PullResponse returns container updates and the version to resume from.
type PullResponse struct {
	Changes []Change `json:"changes"`
	Version int64    `json:"version"`
	HasMore bool     `json:"has_more"`
}

// APIError is the error body returned by the sync server.
type APIError struct {
	Error string `json:"error"`
}
