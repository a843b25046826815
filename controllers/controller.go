package controller

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"leadflow/apperrors"
)

// paramID parses a positive numeric route parameter.
func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperrors.Validation("invalid %s", name)
	}
	return uint(id), nil
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.Validation("invalid request body: %s", err.Error())
	}
	return nil
}

// idList accepts identifiers sent either as JSON numbers or numeric strings.
type idList []uint

func (l *idList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := make([]uint, 0, len(raw))
	for _, item := range raw {
		item = bytes.Trim(item, `"`)
		id, err := strconv.ParseUint(string(item), 10, 64)
		if err != nil {
			return apperrors.Validation("invalid id %s", string(item))
		}
		ids = append(ids, uint(id))
	}
	*l = ids
	return nil
}
