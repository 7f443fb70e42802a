package devapi

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("users.username_taken")
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("users.invalid_credentials")
	// ErrUserNotFound is returned when an id does not resolve.
	ErrUserNotFound = errors.New("users.not_found")
)

// User is an account of the development backend.
type User struct {
	ID        string
	Username  string
	Email     string
	FirstName string
	LastName  string
	Roles     []string
	UserType  string

	passwordHash []byte
}

// Users is an in-memory account registry with bcrypt password hashes.
type Users struct {
	mutex      sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string
}

func NewUsers() *Users {
	return &Users{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
	}
}

// Add registers user with password. Username lookups are case-insensitive.
func (users *Users) Add(user User, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	key := strings.ToLower(user.Username)
	users.mutex.Lock()
	defer users.mutex.Unlock()

	if _, exists := users.byUsername[key]; exists {
		return nil, ErrUsernameTaken
	}
	record := user
	record.ID = uuid.NewString()
	record.Roles = slices.Clone(user.Roles)
	if len(record.Roles) == 0 {
		record.Roles = []string{"USER"}
	}
	if record.UserType == "" {
		record.UserType = "EXTERNAL"
	}
	record.passwordHash = hash
	users.byID[record.ID] = &record
	users.byUsername[key] = record.ID
	return record.clone(), nil
}

// Authenticate checks password against the stored hash for username.
func (users *Users) Authenticate(username, password string) (*User, error) {
	users.mutex.RLock()
	id, ok := users.byUsername[strings.ToLower(username)]
	var record *User
	if ok {
		record = users.byID[id]
	}
	users.mutex.RUnlock()

	if record == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return record.clone(), nil
}

func (users *Users) Get(id string) (*User, error) {
	users.mutex.RLock()
	defer users.mutex.RUnlock()
	record, ok := users.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return record.clone(), nil
}

func (user *User) clone() *User {
	c := *user
	c.Roles = slices.Clone(user.Roles)
	c.passwordHash = nil
	return &c
}
