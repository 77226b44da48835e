package qtreer

// ConfigError reports mutually exclusive or missing required options.
type ConfigError struct {
	msg string
}

func (err ConfigError) Error() string {
	return err.msg
}

// GeoreferenceError reports a source with neither an embedded nor a manual
// georeference.
type GeoreferenceError struct {
	msg string
}

func (err GeoreferenceError) Error() string {
	return err.msg
}

// ProjectionError reports a projection spec missing a required parameter.
type ProjectionError struct {
	msg string
}

func (err ProjectionError) Error() string {
	return err.msg
}
