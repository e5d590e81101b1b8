package repository

import "errors"

// ErrAmbiguousScope is a contract violation: exactly one of
// library_slug or global_scope must be supplied to a claim call. The
// caller gets this back before any DB work is attempted.
var ErrAmbiguousScope = errors.New("repository: exactly one of library_slug or global_scope must be specified")

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("repository: not found")

// ErrSlugCollision is returned when a new library's derived slug collides
// with a live or trashed library.
var ErrSlugCollision = errors.New("repository: slug already in use")

// ErrModelReferenced is returned when an AIModel deletion is attempted
// while assets still reference it.
var ErrModelReferenced = errors.New("repository: AI model is still referenced by assets")
