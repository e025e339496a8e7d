package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Типы локаций
const (
	LocationTypeHouse    = "house"
	LocationTypeTable    = "table"
	LocationTypeBusiness = "business"
)

// Location представляет участвующую локацию (дом, стол и т.п.)
type Location struct {
	ID              string    `gorm:"primaryKey;type:text" json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	ModifiedAt      time.Time `gorm:"autoUpdateTime" json:"modified_at"`
	Latitude        float64   `gorm:"not null" json:"latitude"`
	Longitude       float64   `gorm:"not null" json:"longitude"`
	Address         string    `gorm:"size:255;not null;uniqueIndex:idx_locations_address" json:"address"`
	IsStart         bool      `gorm:"not null;default:false" json:"is_start"`
	IsParticipating bool      `gorm:"not null;default:true" json:"is_participating"`
	HasCandy        bool      `gorm:"not null;default:false" json:"has_candy"`
	LocationType    string    `gorm:"size:50;not null;default:''" json:"location_type"`
	Route           string    `gorm:"size:100;not null;default:''" json:"route"`
	// Секретные поля: никогда не отдаются публичным API
	PhoneNumber     *string `gorm:"size:32" json:"-"`
	Email           *string `gorm:"size:255" json:"-"`
	HasActivity     bool    `gorm:"not null;default:false" json:"has_activity"`
	ActivityDetails string  `gorm:"type:text;not null;default:''" json:"activity_details"`
}

// TableName задает имя таблицы
func (Location) TableName() string {
	return "locations"
}

// BeforeCreate генерирует ID, если он не задан
func (l *Location) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Address = strings.TrimSpace(l.Address)
	return nil
}

// Phone возвращает телефон или пустую строку
func (l *Location) Phone() string {
	if l.PhoneNumber == nil {
		return ""
	}
	return *l.PhoneNumber
}

// EmailAddress возвращает email или пустую строку
func (l *Location) EmailAddress() string {
	if l.Email == nil {
		return ""
	}
	return *l.Email
}

// LocationFilter - фильтры списка участвующих локаций
type LocationFilter struct {
	Search      string
	HasCandy    *bool
	HasActivity *bool
}
