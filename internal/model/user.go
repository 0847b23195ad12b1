package model

// UserPublic is the denormalized author display info carried on messages and
// cooperative signals. The viewer's own identity is passed explicitly into the
// session; nothing in the engine reads it from ambient state.
type UserPublic struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
