package httpx

// Flusher allows a handler to flush buffered data to the client
// mid-response.
type Flusher interface {
	Flush() error
}
