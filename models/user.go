package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index" json:"business_id"`
	Username   string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name       string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email      *string   `gorm:"size:100;unique" json:"email"`
	Password   string    `gorm:"size:255;not null" json:"password"`
	IsActive   *bool     `gorm:"not null" json:"is_active"`
	Role       UserRole  `gorm:"type:enum('A', 'O', 'C');default:C" json:"role"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

/*
caches:
	User:$username
*/

func (user User) RemoveInstanceRedis() error {
	return config.RemoveRedisKey("User:" + user.Username)
}

func (result *User) PrepareGive() {
	result.Password = ""
}

type LoginInfo struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	BusinessName string `json:"business_name"`
	Plan         string `json:"plan"`
}

// GetUserByUsername reads through the redis cache before hitting the DB.
func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	db := config.GetDB()

	user := User{}
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return nil, err
	}
	if exists {
		return &user, nil
	}

	if err := db.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).
		Take(&user).Error; err != nil {
		return nil, err
	}

	if err := config.SetRedisObject("User:"+username, &user, time.Hour); err != nil {
		return nil, err
	}
	return &user, nil
}

func Login(ctx context.Context, username string, password string) (*LoginInfo, error) {
	user, err := GetUserByUsername(ctx, username)
	if err != nil {
		return nil, errors.New("invalid username or password")
	}

	if err := utils.ComparePassword(user.Password, password); err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			return nil, errors.New("invalid username or password")
		}
		return nil, err
	}

	if user.IsActive == nil || !*user.IsActive {
		return nil, errors.New("user is disabled")
	}

	token, err := utils.JwtGenerate(user.ID, user.Username, user.BusinessId, string(user.Role))
	if err != nil {
		return nil, err
	}

	result := LoginInfo{
		Token: token,
		Name:  user.Name,
		Role:  string(user.Role),
	}

	business, err := GetBusinessById(ctx, user.BusinessId)
	if err == nil {
		result.BusinessName = business.Name
		result.Plan = business.Plan
	}
	return &result, nil
}
