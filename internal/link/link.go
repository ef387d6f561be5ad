// Package link - block until the network the transfers depend on is usable
package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rectcircle/sftpxfer/internal/variable"
)

// Predicate reports whether the link is up.
type Predicate func() (bool, error)

// Always - a link that is always up
func Always() (bool, error) {
	return true, nil
}

// InterfaceUp - up when the named interface, or with an empty name any
// non-loopback interface, is up and has an IP address
func InterfaceUp(name string) Predicate {
	return func() (bool, error) {
		var ifaces []net.Interface
		if name != "" {
			iface, err := net.InterfaceByName(name)
			if err != nil {
				return false, err
			}
			ifaces = []net.Interface{*iface}
		} else {
			all, err := net.Interfaces()
			if err != nil {
				return false, err
			}
			ifaces = all
		}
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 {
				continue
			}
			if name == "" && iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				if _, ok := addr.(*net.IPNet); ok {
					return true, nil
				}
			}
		}
		return false, nil
	}
}

// Wait polls up every interval until it reports true or ctx ends. Predicate
// errors are logged and polling continues.
func Wait(ctx context.Context, up Predicate, interval time.Duration, log *logrus.Entry) error {
	if log == nil {
		log = logrus.WithField("component", "link")
	}
	if interval <= 0 {
		interval = variable.DefaultLinkPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		ok, err := up()
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Debug("link check failed")
		}
		if ok {
			log.WithField("attempt", attempt).Info("link is up")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for link: %w", context.Cause(ctx))
		case <-ticker.C:
		}
	}
}
