package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	suite.Run(t, new(newLoggerTests))
}

type newLoggerTests struct{ suite.Suite }

func (s *newLoggerTests) TestNewLogger() {
	tests := []struct {
		lvl     string
		asJSON  bool
		wantErr bool
	}{
		{lvl: "operationcwal", asJSON: false, wantErr: true},
		{lvl: "operationcwal", asJSON: true, wantErr: true},
		{lvl: "Info", asJSON: false, wantErr: false},
		{lvl: "Info", asJSON: true, wantErr: false},
		{lvl: "Debug", asJSON: false, wantErr: false},
		{lvl: "Debug", asJSON: true, wantErr: false},
	}

	for _, t := range tests {
		l, err := NewLogger(t.lvl, t.asJSON)
		if t.wantErr {
			s.Error(err)
			s.Nil(l)
		} else {
			s.NoError(err)
			var zp *zap.Logger
			s.IsType(zp, l)
		}
	}
}

func TestContext(t *testing.T) {
	suite.Run(t, new(contextTests))
}

type contextTests struct{ suite.Suite }

func (s *contextTests) TestLContextNoopIfNotStored() {
	l := FromContext(context.Background())
	s.Equal(zap.NewNop(), l)
}

func (s *contextTests) TestLContextNoopFromNil() {
	//nolint:SA1012
	l := FromContext(nil)
	s.Equal(zap.NewNop(), l)
}

func (s *contextTests) TestLContextMustSucceed() {
	l, err := NewLogger("Info", false)
	s.NoError(err)
	var zp *zap.Logger
	s.IsType(zp, l)

	ctx := NewContext(context.Background(), l)
	s.Equal(FromContext(ctx), l)
}
