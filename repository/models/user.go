package models

// User is a human operator of the mobile client. The station set is
// the authorization source: an operator may only see and act on the
// stations joined here. RFIDUID identifies the operator's physical
// badge for the on-site unlock check.
type User struct {
	ID       int64  `gorm:"column:user_id;primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Username string `gorm:"column:username;type:varchar(100);uniqueIndex;not null" json:"username"`
	Password string `gorm:"column:password;type:varchar(100);not null" json:"-" cbor:"-"`
	RFIDUID  string `gorm:"column:rfid_uid;type:varchar(100);index" json:"-" cbor:"-"`

	// Relationships
	Stations []Station `gorm:"many2many:users_stations;foreignKey:ID;joinForeignKey:UserID;references:Host;joinReferences:StationHost" json:"stations"`
}
