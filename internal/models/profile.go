package models

import "github.com/google/uuid"

type UserType string

const (
	UserTypeDriver   UserType = "driver"
	UserTypeEngineer UserType = "engineer"
	UserTypeTeam     UserType = "team"
)

func (t UserType) IsParticipant() bool {
	switch t {
	case UserTypeDriver, UserTypeEngineer, UserTypeTeam:
		return true
	default:
		return false
	}
}

type Profile struct {
	ID        uuid.UUID `json:"id"`
	FullName  *string   `json:"full_name"`
	AvatarURL *string   `json:"avatar_url"`
	UserType  *string   `json:"user_type"`
}

// ParticipantType reports the profile's role, or false when the profile has
// no type or one that cannot take part in messaging.
func (p Profile) ParticipantType() (UserType, bool) {
	if p.UserType == nil {
		return "", false
	}
	userType := UserType(*p.UserType)
	return userType, userType.IsParticipant()
}
