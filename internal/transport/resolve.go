package transport

import (
	"errors"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/frame"
	"minerva/broker/internal/stream"
	"minerva/broker/internal/tracker"
)

// ErrStreamAttachFailure is returned when a Hello cannot be satisfied:
// authorization rejected the credentialsData, or it asks to attach to an
// existing stream that does not exist (spec.md's tk_stream_attach_failure).
var ErrStreamAttachFailure = errors.New("transport: stream attach failure")

// resolveStream implements the Hello-driven stream lookup/creation rule:
// authorizer validates the Hello's credentialsData first; on failure the
// Hello is rejected outright. A Hello with requestNewStream=true then builds
// a fresh stream, falling through to the existing stream if one is already
// registered under that id — a second requestNewStream=true Hello for an
// existing id is accepted idempotently, not rejected (spec.md §4.5.1, §8).
// Otherwise the Hello must attach to an existing stream.
func resolveStream(t *tracker.Tracker, factory appio.Factory, authorizer Authorizer, hello frame.Hello) (*stream.Stream, error) {
	if authorizer == nil {
		authorizer = NoAuthorization
	}
	if err := authorizer.Authorize(hello.StreamID, hello.CredentialsData); err != nil {
		return nil, ErrStreamAttachFailure
	}

	if hello.RequestNewStream {
		handler, err := factory.NewHandler(hello.StreamID)
		if err != nil {
			return nil, err
		}
		s, err := t.BuildStream(hello.StreamID, handler)
		if err != nil {
			if errors.Is(err, tracker.ErrStreamAlreadyExists) {
				existing, getErr := t.GetStream(hello.StreamID)
				if getErr != nil {
					return nil, ErrStreamAttachFailure
				}
				return existing, nil
			}
			return nil, ErrStreamAttachFailure
		}
		return s, nil
	}
	s, err := t.GetStream(hello.StreamID)
	if err != nil {
		return nil, ErrStreamAttachFailure
	}
	return s, nil
}
