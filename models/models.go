package models

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	Email     string         `gorm:"size:255;not null;unique" json:"email"`
	Garments  []Garment      `gorm:"foreignKey:CreatedBy" json:"garments,omitempty"`
}

// Garment categories.
const (
	CategoryShirt = "shirt"
	CategoryPants = "pants"
	CategoryDress = "dress"
)

// Categories lists the accepted values for Garment.Category.
var Categories = []string{CategoryShirt, CategoryPants, CategoryDress}

// AssetRef points at one stored blob. Key is the blob store key, URL is set
// only when the backend serves objects publicly.
type AssetRef struct {
	Key         string `gorm:"size:512;not null;index" json:"key"`
	URL         string `gorm:"size:1024" json:"url,omitempty"`
	ContentType string `gorm:"size:255;not null" json:"contentType"`
	Filename    string `gorm:"size:255" json:"filename"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Garment is immutable once created; it has no UpdatedAt on purpose.
type Garment struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	GarmentID   string    `gorm:"size:64;not null;uniqueIndex" json:"garmentId"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description,omitempty"`
	Category    string    `gorm:"size:32;not null;default:shirt" json:"category"`
	Preview     AssetRef  `gorm:"embedded;embeddedPrefix:preview_" json:"previewRef"`
	Model       AssetRef  `gorm:"embedded;embeddedPrefix:model_" json:"modelRef"`
	CreatedBy   uint      `gorm:"not null;index:idx_garment_owner_created,priority:1" json:"createdBy"`
	Creator     *User     `gorm:"foreignKey:CreatedBy;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	CreatedAt   time.Time `gorm:"not null;index:idx_garment_owner_created,priority:2" json:"createdAt"`
}

// BlobFile is the header row of a blob held by the database backend.
type BlobFile struct {
	Key         string    `gorm:"primaryKey;column:blob_key;size:512"`
	ContentType string    `gorm:"size:255;not null"`
	Filename    string    `gorm:"size:255"`
	Size        int64     `gorm:"not null"`
	ChunkSize   int       `gorm:"not null"`
	Chunks      int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// BlobChunk holds bytes [N*ChunkSize, (N+1)*ChunkSize) of a BlobFile.
type BlobChunk struct {
	FileKey string `gorm:"primaryKey;size:512"`
	N       int    `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte `gorm:"not null"`
}
