package contextKey

// key is an unexported type for request-context keys defined in this
// package, so no other package can collide with them.
type key string

// UserIDKey is the context key under which the authenticated caller's user
// id is stored by the JWT middleware.
const UserIDKey = key("userID")
