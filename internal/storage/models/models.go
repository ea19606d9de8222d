package models

import (
	"time"

	"gorm.io/datatypes"
)

// Person 校友档案主表。Person 是相关性聚合的根实体，
// 向量库中的分块通过 person_id 归属到这里。
type Person struct {
	PersonID        string    `gorm:"type:char(36);primaryKey"`
	FullName        string    `gorm:"type:varchar(255);not null"`
	Email           string    `gorm:"type:varchar(255);index:idx_people_email"`
	LinkedinURL     string    `gorm:"type:varchar(512)"`
	Headline        string    `gorm:"type:varchar(512)"`
	Summary         string    `gorm:"type:text"`
	ClassYear       int       `gorm:"index:idx_people_class_year"`
	Section         string    `gorm:"type:varchar(50)"`
	Location        string    `gorm:"type:varchar(255)"`
	CurrentCompany  string    `gorm:"type:varchar(255)"`
	CurrentTitle    string    `gorm:"type:varchar(255)"`
	CurrentIndustry string    `gorm:"type:varchar(255)"`
	CreatedAt       time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt       time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Person) TableName() string {
	return "people"
}

// Experience 工作经历表。生命周期从属于 Person，核心流水线只读。
type Experience struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement"`
	PersonID    string          `gorm:"type:char(36);not null;index:idx_experiences_person_id"`
	Company     string          `gorm:"type:varchar(255)"`
	Title       string          `gorm:"type:varchar(255)"`
	Description string          `gorm:"type:text"`
	Location    string          `gorm:"type:varchar(255)"`
	StartDate   *datatypes.Date `gorm:"type:date"`
	EndDate     *datatypes.Date `gorm:"type:date"`
	SortIndex   int             `gorm:"not null;default:0"` // 显式排序序号，升序为时间线顺序
	CreatedAt   time.Time       `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt   time.Time       `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	Person      *Person         `gorm:"foreignKey:PersonID;references:PersonID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Experience) TableName() string {
	return "experiences"
}

// Education 教育经历表。生命周期从属于 Person，核心流水线只读。
type Education struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	PersonID    string    `gorm:"type:char(36);not null;index:idx_educations_person_id"`
	School      string    `gorm:"type:varchar(255)"`
	Degree      string    `gorm:"type:varchar(255)"`
	Field       string    `gorm:"type:varchar(255)"`
	Description string    `gorm:"type:text"`
	StartYear   int       `gorm:""`
	EndYear     int       `gorm:""`
	CreatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt   time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
	Person      *Person   `gorm:"foreignKey:PersonID;references:PersonID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (Education) TableName() string {
	return "educations"
}
