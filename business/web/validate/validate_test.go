package validate_test

import (
	"testing"

	"github.com/ardanlabs/pbhbuilder/business/web/errs"
	"github.com/ardanlabs/pbhbuilder/business/web/validate"
	"github.com/stretchr/testify/require"
)

type submit struct {
	Tx       string `json:"tx" validate:"required,hexadecimal"`
	GasLimit uint64 `json:"gasLimit" validate:"omitempty,min=21000"`
}

func TestCheck(t *testing.T) {
	require.NoError(t, validate.Check(submit{Tx: "0x02f8"}))

	err := validate.Check(submit{GasLimit: 5})
	require.Error(t, err)

	fields := errs.GetFieldErrors(err).Fields()
	require.Contains(t, fields, "tx")
	require.Contains(t, fields, "gasLimit")
}
