package mysqlsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDsnToAddrParsesUserPassHostPort(t *testing.T) {
	addr, user, pass := dsnToAddr("root:secret@tcp(127.0.0.1:3306)/mydb")
	assert.Equal(t, "127.0.0.1:3306", addr)
	assert.Equal(t, "root", user)
	assert.Equal(t, "secret", pass)
}

func TestDsnToAddrHandlesUserWithoutPassword(t *testing.T) {
	addr, user, pass := dsnToAddr("root@tcp(db.internal:3306)/mydb")
	assert.Equal(t, "db.internal:3306", addr)
	assert.Equal(t, "root", user)
	assert.Equal(t, "", pass)
}

func TestDsnToAddrFallsBackOnMissingAtSign(t *testing.T) {
	addr, user, pass := dsnToAddr("not-a-dsn")
	assert.Equal(t, "127.0.0.1:3306", addr)
	assert.Equal(t, "", user)
	assert.Equal(t, "", pass)
}

func TestDsnToAddrMissingParensYieldsEmptyAddr(t *testing.T) {
	addr, _, _ := dsnToAddr("root:secret@127.0.0.1:3306/mydb")
	assert.Equal(t, "", addr)
}
