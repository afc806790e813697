package models

import "time"

// Role values stored on users.role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the local identity anchor. Email is the join key to the billing provider.
type User struct {
	ID           int64     `json:"id"`
	Email        *string   `json:"email,omitempty"`
	Name         *string   `json:"name,omitempty"`
	Image        *string   `json:"image,omitempty"`
	Provider     string    `json:"provider"`
	ProviderID   string    `json:"provider_id"`
	Role         string    `json:"role"`
	CreationDate time.Time `json:"creation_date"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user carries the administrative role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// EmailOrEmpty returns the email address or "" when unset.
func (u *User) EmailOrEmpty() string {
	if u == nil || u.Email == nil {
		return ""
	}
	return *u.Email
}

// NameOr returns the display name, falling back to def.
func (u *User) NameOr(def string) string {
	if u == nil || u.Name == nil || *u.Name == "" {
		return def
	}
	return *u.Name
}

// IdentityProfile is the profile an OAuth provider hands over after sign-in.
type IdentityProfile struct {
	Provider   string  `json:"-"`
	ProviderID string  `json:"provider_id" validate:"required"`
	Name       *string `json:"name,omitempty"`
	Email      *string `json:"email,omitempty" validate:"omitempty,email"`
	Image      *string `json:"image,omitempty" validate:"omitempty,url"`
}

// ProfileUpdate carries the optional fields of a profile edit. Nil means unchanged.
type ProfileUpdate struct {
	Name  *string `json:"name,omitempty" validate:"omitempty,max=200"`
	Image *string `json:"image,omitempty" validate:"omitempty,url"`
	Email *string `json:"email,omitempty" validate:"omitempty,email"`
}

// Empty reports whether no field is set.
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.Image == nil && p.Email == nil
}
