package types

// Slug tells API clients what kind of response they got
type Slug string

// nolint:gochecknoglobals
const (
	SuccessSlug      Slug = "success"
	ErrorSlug        Slug = "error"
	InvalidInputSlug Slug = "invalid-input"
	NotFoundSlug     Slug = "not-found"
	ConflictSlug     Slug = "conflict"
	ServerErrorSlug  Slug = "server-error"
)

// SlugResponse is the envelope every API response uses
type SlugResponse struct {
	Slug  Slug        `json:"slug"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrInvalidInput returns a SlugResponse with the InvalidInputSlug and the error message
func ErrInvalidInput(msg string) SlugResponse {
	return SlugResponse{Slug: InvalidInputSlug, Error: msg}
}

// ErrNotFound returns a SlugResponse with the NotFoundSlug
func ErrNotFound(msg string) SlugResponse {
	return SlugResponse{Slug: NotFoundSlug, Error: msg}
}

// ErrConflict returns a SlugResponse with the ConflictSlug. data carries the
// existing job id for duplicates.
func ErrConflict(msg string, data interface{}) SlugResponse {
	return SlugResponse{Slug: ConflictSlug, Error: msg, Data: data}
}

// ErrServer returns a SlugResponse with the ServerErrorSlug and the error message
func ErrServer(msg string) SlugResponse {
	return SlugResponse{Slug: ServerErrorSlug, Error: msg}
}

// Success returns a SlugResponse with the SuccessSlug and the data
func Success(data interface{}) SlugResponse {
	return SlugResponse{Slug: SuccessSlug, Data: data}
}

// PaginationResponse represents pagination information for list endpoints
type PaginationResponse struct {
	Total  int `json:"total"`
	Page   int `json:"page"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ListResponse defines a generic response structure for listing resources
type ListResponse[T any] struct {
	Rows       []T                `json:"rows"`
	Pagination PaginationResponse `json:"pagination"`
}
