package auth

import (
	"errors"
	"fmt"
	"refsync/entity"
)

var ErrNoRole = errors.New("user has no role")

type Database interface {
	GetUser(token string) (*entity.User, error)
}

// Auth resolves API tokens to users. Users still waiting for a role are
// known to the bot but may not call the API.
type Auth struct {
	db Database
}

func New(db Database) *Auth {
	return &Auth{db: db}
}

func (a *Auth) UserByToken(token string) (*entity.User, error) {
	if a.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}
	user, err := a.db.GetUser(token)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("token not found")
	}
	if user.TelegramRole == entity.RoleNone {
		return nil, fmt.Errorf("%s: %w", user.Username, ErrNoRole)
	}
	return user, nil
}
