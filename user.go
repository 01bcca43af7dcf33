package appstax

import "context"

const (
	propertyUsername = "sysUsername"
	propertyPassword = "sysPassword"
	usersCollection  = "users"
)

// User is an account in the users collection, wrapping the backing
// object so profile properties read and save like any other object.
type User struct {
	object *Object
}

func (u *User) Username() string { return u.object.String(propertyUsername) }
func (u *User) ID() string       { return u.object.ID() }
func (u *User) Object() *Object  { return u.object }

func (u *User) Get(path string) any       { return u.object.Get(path) }
func (u *User) String(path string) string { return u.object.String(path) }

func (u *User) Set(key string, value any) { u.object.Set(key, value) }

func (u *User) Save(ctx context.Context) error    { return u.object.Save(ctx) }
func (u *User) Refresh(ctx context.Context) error { return u.object.Refresh(ctx) }
