package models

import (
	"net"
	"strconv"
)

type Addr struct {
	Host string
	Port uint16
}

func (a *Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
