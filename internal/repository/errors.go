package repository

import (
	"database/sql/driver"
	"errors"
	"net"

	"dp-chatbot-go/pkg/errs"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// MySQL 错误码：锁等待超时、死锁、连接数过多
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errTooManyConns    = 1040
)

// dbErr 将数据库错误归类：连接类、死锁和锁等待可重试，记录不存在转为 NotFound，其余为内部错误。
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound(op, "record not found")
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errDeadlock, errTooManyConns:
			return errs.Transient(op, err)
		}
		return errs.Internal(op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &netErr) {
		return errs.Transient(op, err)
	}
	return errs.Internal(op, err)
}
