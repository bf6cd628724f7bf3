package registry

import "errors"

var (
	// ErrInvalidTopicName is returned when an empty or blank topic name is given.
	ErrInvalidTopicName = errors.New("invalid topic name")

	// ErrTopicAlreadyExists is returned by create_topic on a name collision.
	ErrTopicAlreadyExists = errors.New("topic already exists")

	// ErrTopicNotFound is returned by delete_topic, subscribe, and publish
	// when the named topic does not exist.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrSubscriptionNotFound is returned by unsubscribe when the
	// (client_id, topic) pair is not currently joined, including when the
	// topic itself does not exist (spec.md §4.1).
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
