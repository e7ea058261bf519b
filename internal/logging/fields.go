package logging

// cloneFields copies the source fields map so derived loggers never alias
// their parent's fields. A nil or empty source yields a fresh empty map.
func cloneFields(src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return make(map[string]interface{})
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
