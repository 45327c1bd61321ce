package model

// Contact is a recipient known to the directory.
type Contact struct {
	ID    int64
	Name  string
	Email string
}

// Group is a named set of contacts.
type Group struct {
	ID   int64
	Name string
}

// Connection is one delivery address of a contact on a backend.
// ContactID is nil for connections that never registered.
type Connection struct {
	ID        int64
	Backend   string
	Identity  string
	ContactID *int64
}
