package connection

import (
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// ErrorKind 区分连接测试失败的原因，前端据此展示不同提示。
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindAuth            ErrorKind = "auth"
	KindUnknownDatabase ErrorKind = "unknown_database"
	KindConnectivity    ErrorKind = "connectivity"
)

// MySQL 服务端错误号。
const (
	mysqlErrDBAccessDenied uint16 = 1044
	mysqlErrAccessDenied   uint16 = 1045
	mysqlErrBadDB          uint16 = 1049
)

var (
	// ErrUnknownConnection 表示命名连接不存在。
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrReservedName 表示试图保存名为 local 的连接。
	ErrReservedName = errors.New("connection name is reserved")
	// ErrConnectionInUse 表示连接仍被某个角色引用，不能删除。
	ErrConnectionInUse = errors.New("connection is in use")
	// ErrArchiveNotConfigured 表示开启归档模式前未指定归档连接。
	ErrArchiveNotConfigured = errors.New("archive connection not configured")
)

// ConnectionError 描述一次连接失败，Number 为驱动返回的错误号（无则为 0）。
type ConnectionError struct {
	Kind   ErrorKind
	Number uint16
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Number != 0 {
		return fmt.Sprintf("%s (error %d): %v", e.Kind, e.Number, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func configurationError(err error) *ConnectionError {
	return &ConnectionError{Kind: KindConfiguration, Err: err}
}

// classify 把驱动错误归类为 ConnectionError，已分类的错误原样返回。
func classify(err error) *ConnectionError {
	if err == nil {
		return nil
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrAccessDenied, mysqlErrDBAccessDenied:
			return &ConnectionError{Kind: KindAuth, Number: myErr.Number, Err: err}
		case mysqlErrBadDB:
			return &ConnectionError{Kind: KindUnknownDatabase, Number: myErr.Number, Err: err}
		default:
			return &ConnectionError{Kind: KindConnectivity, Number: myErr.Number, Err: err}
		}
	}
	return &ConnectionError{Kind: KindConnectivity, Err: err}
}
