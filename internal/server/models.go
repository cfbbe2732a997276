package server

// HTTPError is the error payload returned by the unified error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// CreateSourceRequest registers a new source. Kind defaults to "url"; when
// kind is "document", Body carries the raw text to index and Origin is a
// caller-chosen document identifier.
type CreateSourceRequest struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

type AskRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type BulkDeleteResponse struct {
	DeletedVectors int64  `json:"deleted_vectors"`
	Status         string `json:"status"`
}
