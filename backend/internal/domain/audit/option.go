package audit

// Option 是 options 表中的一条键值设置，用于保存外部连接与传输游标。
type Option struct {
	ID    uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name  string `gorm:"column:option_name;size:191;not null;unique" json:"option_name"`
	Value string `gorm:"column:option_value;type:longtext" json:"option_value"`
}

// ConnectionConfig 描述一个命名的外部数据库连接，Password 落库时为密文。
type ConnectionConfig struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	DBName     string `json:"db_name"`
	Hostname   string `json:"hostname"`
	BasePrefix string `json:"base_prefix"`
	IsSSL      bool   `json:"is_ssl"`
	IsCC       bool   `json:"is_cc"`
	SSLCA      string `json:"ssl_ca,omitempty"`
	SSLCert    string `json:"ssl_cert,omitempty"`
	SSLKey     string `json:"ssl_key,omitempty"`
}

// ConnectionTypeMySQL 是目前唯一支持的连接类型。
const ConnectionTypeMySQL = "mysql"

// LocalConnection 是保留名称，表示宿主应用自己的数据库。
const LocalConnection = "local"

// Redacted 返回去掉密码的副本，用于接口展示。
func (c ConnectionConfig) Redacted() ConnectionConfig {
	c.Password = ""
	return c
}
